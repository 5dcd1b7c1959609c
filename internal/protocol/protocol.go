package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luciancaetano/livesock"
)

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMalformed       = errors.New("malformed message")
)

// Inbound is a client to server envelope.
type Inbound struct {
	Route  string          `json:"route"`
	Action string          `json:"action"`
	Value  json.RawMessage `json:"value,omitempty"`
	ID     *int64          `json:"id,omitempty"`
}

// Outbound is a server to client envelope. Echo replies carry no sub.
type Outbound struct {
	Sub     string `json:"sub,omitempty"`
	Action  string `json:"action"`
	Value   any    `json:"value,omitempty"`
	ID      *int64 `json:"id,omitempty"`
	ReplyTo *int64 `json:"replyto,omitempty"`
}

// ErrorPayload is the value of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeInbound parses a frame received by the server.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if len(data) > livesock.MaxMessageBytes {
		return in, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Route == "" || in.Action == "" {
		return in, fmt.Errorf("%w: route and action are required", ErrMalformed)
	}
	return in, nil
}

// EncodeOutbound serializes a frame sent by the server.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode outbound %s/%s: %w", msg.Sub, msg.Action, err)
	}
	if len(data) > livesock.MaxMessageBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	return data, nil
}

// EncodeInbound serializes a frame sent by a client.
func EncodeInbound(msg Inbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode inbound %s/%s: %w", msg.Route, msg.Action, err)
	}
	if len(data) > livesock.MaxMessageBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	return data, nil
}

// DecodeOutbound parses a frame received by a client. Value is left as
// json.RawMessage.
func DecodeOutbound(data []byte) (Outbound, error) {
	var wire struct {
		Sub     string          `json:"sub"`
		Action  string          `json:"action"`
		Value   json.RawMessage `json:"value"`
		ID      *int64          `json:"id"`
		ReplyTo *int64          `json:"replyto"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Action == "" {
		return Outbound{}, fmt.Errorf("%w: action is required", ErrMalformed)
	}
	out := Outbound{Sub: wire.Sub, Action: wire.Action, ID: wire.ID, ReplyTo: wire.ReplyTo}
	if len(wire.Value) > 0 {
		out.Value = wire.Value
	}
	return out, nil
}

// Echo is the server's acknowledgement of an inbound id.
func Echo(id int64) Outbound {
	return Outbound{Action: livesock.ActionEcho, Value: id}
}

// EchoRequest is a client's acknowledgement of an outbound id.
func EchoRequest(id int64) Inbound {
	return Inbound{
		Route:  string(livesock.RouteGeneral),
		Action: livesock.ActionEcho,
		Value:  json.RawMessage(fmt.Sprintf("%d", id)),
	}
}

// IsEcho reports whether in acknowledges a server message.
func IsEcho(in Inbound) bool {
	return in.Route == string(livesock.RouteGeneral) && in.Action == livesock.ActionEcho
}

// IsEchoReply reports whether out acknowledges a client message.
func IsEchoReply(out Outbound) bool {
	return out.Sub == "" && out.Action == livesock.ActionEcho
}

// EchoID extracts the acknowledged id from an echo.
func EchoID(in Inbound) (int64, error) {
	var id int64
	if err := json.Unmarshal(in.Value, &id); err != nil {
		return 0, fmt.Errorf("%w: echo value: %v", ErrMalformed, err)
	}
	return id, nil
}

// EchoReplyID extracts the acknowledged id from a decoded echo reply.
func EchoReplyID(out Outbound) (int64, error) {
	raw, ok := out.Value.(json.RawMessage)
	if !ok {
		return 0, fmt.Errorf("%w: echo value not raw", ErrMalformed)
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("%w: echo value: %v", ErrMalformed, err)
	}
	return id, nil
}

// Error builds an error envelope on the general route.
func Error(code, message string, replyTo *int64) Outbound {
	return Outbound{
		Sub:     string(livesock.RouteGeneral),
		Action:  livesock.ActionError,
		Value:   ErrorPayload{Code: code, Message: message},
		ReplyTo: replyTo,
	}
}

// IsNull reports whether a raw value is absent or JSON null.
func IsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
