// Package envelope defines the JSON shapes that cross the socket: the
// command request envelope, success/error replies, and async bus events.
package envelope

import (
	"encoding/json"
	"time"
)

// TimeFormat is RFC-3339 UTC with a literal 'Z' suffix, as the protocol
// requires for every timestamp on the wire.
const TimeFormat = "2006-01-02T15:04:05.999999999Z07:00"

// Now returns the current time formatted per TimeFormat.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// RequestMetadata is the envelope's optional metadata block. No keys beyond
// these three are accepted.
type RequestMetadata struct {
	Timestamp string `json:"timestamp,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// Request is the command envelope clients and agents send.
type Request struct {
	Command    string          `json:"command"`
	Version    string          `json:"version"`
	Parameters json.RawMessage `json:"parameters"`
	Metadata   RequestMetadata `json:"metadata"`
}

// ErrorBody is the error payload of an error reply.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ResponseMetadata is the metadata block every reply carries.
type ResponseMetadata struct {
	Timestamp string `json:"timestamp"`
}

// Response is the success/error reply shape. Result is omitted on error;
// Error is omitted on success.
type Response struct {
	Status   string           `json:"status"`
	Command  string           `json:"command"`
	Result   any              `json:"result,omitempty"`
	Error    *ErrorBody       `json:"error,omitempty"`
	Metadata ResponseMetadata `json:"metadata"`
}

// Success builds a success reply.
func Success(command string, result any) Response {
	return Response{
		Status:   "success",
		Command:  command,
		Result:   result,
		Metadata: ResponseMetadata{Timestamp: Now()},
	}
}

// Failure builds an error reply.
func Failure(command, code, message string) Response {
	return Response{
		Status:  "error",
		Command: command,
		Error: &ErrorBody{
			Code:      code,
			Message:   message,
			Timestamp: Now(),
		},
		Metadata: ResponseMetadata{Timestamp: Now()},
	}
}

// Event is the shape of an asynchronously pushed bus message. Clients tell
// events apart from replies by the absence of Status / presence of Type.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	From      string         `json:"from"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"-"`
}

// MarshalJSON flattens Payload's keys alongside the envelope fields, so an
// event on the wire looks like {id, type, from, timestamp, ...payload}.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		m[k] = v
	}
	m["id"] = e.ID
	m["type"] = e.Type
	m["from"] = e.From
	m["timestamp"] = e.Timestamp
	return json.Marshal(m)
}
