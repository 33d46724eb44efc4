package secrets

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrSignatureInvalid covers malformed tokens, stale timestamps and digest
// mismatches alike. Verification failures are never retryable.
var ErrSignatureInvalid = errors.New("signature invalid")

// DefaultTolerance is the replay window applied by Verify when destinations
// follow the documented defaults.
const DefaultTolerance = 5 * time.Minute

// Sign computes the signature token for a payload at time t. The token binds
// the digest to the timestamp: t=<unix>,v1=<hex hmac-sha256("<unix>.<payload>")>.
func Sign(payload []byte, secret string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + digest(payload, secret, ts)
}

// Verify checks a signature token against the payload and secret. The embedded
// timestamp must be within tolerance of now (replay protection) and the digest
// must match in constant time. Both checks must pass.
//
// This function is the reference verifier offered to destination implementers.
func Verify(payload []byte, token, secret string, tolerance time.Duration) error {
	return VerifyAt(payload, token, secret, tolerance, time.Now())
}

// VerifyAt is Verify with an explicit clock, for tests and offline checks.
func VerifyAt(payload []byte, token, secret string, tolerance time.Duration, now time.Time) error {
	ts, sig, err := parseToken(token)
	if err != nil {
		return err
	}

	sent := time.Unix(ts, 0)
	drift := now.Sub(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return ErrSignatureInvalid
	}

	expected := digest(payload, secret, strconv.FormatInt(ts, 10))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrSignatureInvalid
	}
	return nil
}

func parseToken(token string) (int64, string, error) {
	var tsPart, sigPart string
	for _, part := range strings.Split(token, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return 0, "", ErrSignatureInvalid
		}
		switch k {
		case "t":
			tsPart = v
		case "v1":
			sigPart = v
		}
	}
	if tsPart == "" || sigPart == "" {
		return 0, "", ErrSignatureInvalid
	}

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", ErrSignatureInvalid
	}
	return ts, sigPart, nil
}

func digest(payload []byte, secret, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
