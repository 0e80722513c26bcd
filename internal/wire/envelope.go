// Package wire defines the JSON envelope shapes exchanged over the
// WebSocket connection: inbound frames and the family of outbound
// envelopes (system, error, native response, virtual-HTTP ack/result,
// digest).
package wire

import (
	"encoding/json"
	"time"
)

// InboundFrame is the shape of every client-to-server JSON message. Exactly
// which fields are populated depends on Type/Route per the Frame Router's
// classification rules.
type InboundFrame struct {
	Type          string          `json:"type,omitempty"`
	Route         string          `json:"route,omitempty"`
	Method        string          `json:"method,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
	Query         json.RawMessage `json:"query,omitempty"`
	Headers       json.RawMessage `json:"headers,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Token         string          `json:"token,omitempty"`

	// Native-frame-specific fields, present only for the relevant Type.
	Channel string          `json:"channel,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	AckKind string          `json:"ack_kind,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
}

// IsVirtualHTTP implements the Frame Router classification rule of §4.6:
// type == api/endpoint, or a route with no type, is Virtual HTTP.
func (f *InboundFrame) IsVirtualHTTP() bool {
	if f.Type == "api" || f.Type == "endpoint" {
		return true
	}
	return f.Type == "" && f.Route != ""
}

// NativeFrameTypes enumerates the native frame types the core recognizes.
var NativeFrameTypes = map[string]bool{
	"auth":        true,
	"subscribe":   true,
	"unsubscribe": true,
	"publish":     true,
	"ack":         true,
	"ping":        true,
	"pending":     true,
	"fingerprint": true,
}

// Envelope is the common outbound shape; Type discriminates the payload.
// Using map[string]any keeps the wire shape exactly as specified in §6
// without a proliferation of near-identical structs.
type Envelope map[string]any

func now() int64 { return time.Now().UnixMilli() }

// System builds a `{type:"system", ...}` envelope.
func System(event, message string, fd int64) Envelope {
	return Envelope{
		"type":      "system",
		"event":     event,
		"message":   message,
		"fd":        fd,
		"timestamp": now(),
	}
}

// ErrorEnvelope builds a `{type:"error", ...}` envelope.
func ErrorEnvelope(message string, status int) Envelope {
	return Envelope{
		"type":      "error",
		"message":   message,
		"status":    status,
		"timestamp": now(),
	}
}

// Native builds a `{type:"<native>", ...}` response envelope, merging the
// caller's payload fields alongside type/timestamp.
func Native(frameType string, payload map[string]any) Envelope {
	env := Envelope{"type": frameType, "timestamp": now()}
	for k, v := range payload {
		env[k] = v
	}
	return env
}

// EndpointQueued builds the virtual-HTTP acknowledgement envelope.
func EndpointQueued(correlationID string, taskID int64) Envelope {
	return Envelope{
		"type":           "endpoint_queued",
		"correlation_id": correlationID,
		"task_id":        taskID,
		"timestamp":      now(),
	}
}

// APIResponse builds a successful virtual-HTTP result envelope.
func APIResponse(correlationID string, status int, data any) Envelope {
	return Envelope{
		"type":           "api_response",
		"correlation_id": correlationID,
		"status":         status,
		"data":           data,
		"timestamp":      now(),
	}
}

// APIError builds a failed virtual-HTTP result envelope.
func APIError(correlationID string, status int, message string) Envelope {
	return Envelope{
		"type":           "api_error",
		"correlation_id": correlationID,
		"status":         status,
		"message":        message,
		"timestamp":      now(),
	}
}

// DigestChannel is one row of a digest envelope's channels array.
type DigestChannel struct {
	Channel string `json:"channel"`
	Count   int    `json:"count"`
	Preview string `json:"preview"`
}

// Digest builds the `{type:"digest", ...}` reconnect rollup envelope.
func Digest(total int, channels []DigestChannel) Envelope {
	return Envelope{
		"type":      "digest",
		"total":     total,
		"channels":  channels,
		"timestamp": now(),
	}
}

// Marshal serializes an envelope to wire bytes.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}
