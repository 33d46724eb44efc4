package validate

import (
	"fmt"
	"strings"
)

const (
	maxHeaderCount    = 10
	maxHeaderNameLen  = 128
	maxHeaderValueLen = 1024
)

// Protocol-sensitive headers a tenant must never override, plus the
// subsystem's own header namespace.
var deniedHeaders = map[string]struct{}{
	"host":                {},
	"authorization":       {},
	"content-length":      {},
	"content-type":        {},
	"transfer-encoding":   {},
	"connection":          {},
	"keep-alive":          {},
	"upgrade":             {},
	"te":                  {},
	"trailer":             {},
	"proxy-authorization": {},
	"user-agent":          {},
	"cookie":              {},
}

// Headers validates tenant-configured custom headers: denylisted names,
// control characters (CR/LF injection), and size caps.
func (v *Validator) Headers(headers map[string]string) error {
	if len(headers) > maxHeaderCount {
		return fmt.Errorf("at most %d custom headers are allowed", maxHeaderCount)
	}

	for name, value := range headers {
		if name == "" {
			return fmt.Errorf("header name must not be empty")
		}
		if len(name) > maxHeaderNameLen {
			return fmt.Errorf("header name %q exceeds %d characters", name, maxHeaderNameLen)
		}
		if len(value) > maxHeaderValueLen {
			return fmt.Errorf("header %q value exceeds %d characters", name, maxHeaderValueLen)
		}

		lower := strings.ToLower(name)
		if _, denied := deniedHeaders[lower]; denied {
			return fmt.Errorf("header %q is not allowed", name)
		}
		if strings.HasPrefix(lower, "x-outhook-") {
			return fmt.Errorf("header %q uses a reserved prefix", name)
		}

		if !validTokenName(name) {
			return fmt.Errorf("header name %q contains invalid characters", name)
		}
		for _, r := range value {
			if r < 0x20 || r == 0x7f {
				return fmt.Errorf("header %q value contains control characters", name)
			}
		}
	}
	return nil
}

// validTokenName checks the RFC 7230 token characters for field names.
func validTokenName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}
