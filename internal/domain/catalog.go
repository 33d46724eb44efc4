package domain

import "encoding/json"

// EventTypeInfo describes one entry of the closed event-type catalog.
type EventTypeInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Sample      json.RawMessage `json:"sample"`
}

// Catalog is the closed set of event types this system emits. Subscriptions
// and producers are validated against it; sample payloads back the REST-hooks
// field-mapping lookup.
var Catalog = []EventTypeInfo{
	{
		Name:        "decision.saved",
		Description: "A decision record was created or saved",
		Sample:      json.RawMessage(`{"decision_id":"dec_9f2c","workspace_id":"ws_01"}`),
	},
	{
		Name:        "decision.updated",
		Description: "A decision record was modified",
		Sample:      json.RawMessage(`{"decision_id":"dec_9f2c","workspace_id":"ws_01"}`),
	},
	{
		Name:        "decision.deleted",
		Description: "A decision record was deleted",
		Sample:      json.RawMessage(`{"decision_id":"dec_9f2c","workspace_id":"ws_01"}`),
	},
	{
		Name:        "member.invited",
		Description: "A member was invited to a workspace",
		Sample:      json.RawMessage(`{"member_id":"mem_4421","workspace_id":"ws_01"}`),
	},
	{
		Name:        "comment.added",
		Description: "A comment was added to a decision",
		Sample:      json.RawMessage(`{"comment_id":"cmt_77ab","decision_id":"dec_9f2c"}`),
	},
	{
		Name:        "export.completed",
		Description: "A requested export finished rendering",
		Sample:      json.RawMessage(`{"export_id":"exp_1083","workspace_id":"ws_01"}`),
	},
}

// ValidEventType reports whether name belongs to the catalog.
func ValidEventType(name string) bool {
	for _, et := range Catalog {
		if et.Name == name {
			return true
		}
	}
	return false
}

// SamplePayload returns the catalog sample for an event type, or nil if the
// type is unknown.
func SamplePayload(name string) json.RawMessage {
	for _, et := range Catalog {
		if et.Name == name {
			return et.Sample
		}
	}
	return nil
}
