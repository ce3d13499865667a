// Package protocol defines the relay wire messages exchanged over a
// persistent, message-oriented transport. Messages are JSON text records:
//
//	client → server: connection_init, start, stop
//	server → client: connection_ack, data, error, complete, ka
//
// A data payload carries one Event exactly as the event package defines it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/componentry/relay/internal/event"
)

// ErrProtocol marks malformed or out-of-state wire input. Connections that
// produce it are closed without retry.
var ErrProtocol = errors.New("protocol error")

// Message type identifiers.
const (
	TypeConnectionInit = "connection_init"
	TypeConnectionAck  = "connection_ack"
	TypeStart          = "start"
	TypeStop           = "stop"
	TypeData           = "data"
	TypeError          = "error"
	TypeComplete       = "complete"
	TypeKeepAlive      = "ka"
)

// Message is the envelope for every frame on the wire. ID identifies the
// subscription a frame belongs to; it is empty for connection-level frames.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StartPayload is the payload of a start frame: the topic the client wants
// events from.
type StartPayload struct {
	Topic string `json:"topic"`
}

// DataPayload is the payload of a data frame.
type DataPayload struct {
	Event event.Event `json:"event"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Decode parses raw into a Message and validates its shape against the
// message type. All failures wrap ErrProtocol.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: malformed frame: %v", ErrProtocol, err)
	}

	switch msg.Type {
	case TypeConnectionInit, TypeConnectionAck, TypeKeepAlive:
		return msg, nil
	case TypeStart:
		if msg.ID == "" {
			return Message{}, fmt.Errorf("%w: start frame without id", ErrProtocol)
		}
		if _, err := DecodeStart(msg); err != nil {
			return Message{}, err
		}
		return msg, nil
	case TypeStop, TypeComplete:
		if msg.ID == "" {
			return Message{}, fmt.Errorf("%w: %s frame without id", ErrProtocol, msg.Type)
		}
		return msg, nil
	case TypeData:
		if msg.ID == "" {
			return Message{}, fmt.Errorf("%w: data frame without id", ErrProtocol)
		}
		return msg, nil
	case TypeError:
		return msg, nil
	case "":
		return Message{}, fmt.Errorf("%w: frame without type", ErrProtocol)
	default:
		return Message{}, fmt.Errorf("%w: unknown frame type %q", ErrProtocol, msg.Type)
	}
}

// DecodeStart extracts the StartPayload from a start frame.
func DecodeStart(msg Message) (StartPayload, error) {
	var p StartPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: malformed start payload: %v", ErrProtocol, err)
	}
	if p.Topic == "" {
		return p, fmt.Errorf("%w: start payload without topic", ErrProtocol)
	}
	return p, nil
}

// DecodeData extracts the Event from a data frame.
func DecodeData(msg Message) (event.Event, error) {
	var p DataPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return event.Event{}, fmt.Errorf("%w: malformed data payload: %v", ErrProtocol, err)
	}
	if p.Event.ID == "" {
		return event.Event{}, fmt.Errorf("%w: data payload without event id", ErrProtocol)
	}
	return p.Event, nil
}

// DecodeError extracts the ErrorPayload from an error frame.
func DecodeError(msg Message) ErrorPayload {
	var p ErrorPayload
	// Best effort: a server that cannot even say why is still an error.
	_ = json.Unmarshal(msg.Payload, &p)
	return p
}

// ConnectionInit builds the opening handshake frame.
func ConnectionInit() Message {
	return Message{Type: TypeConnectionInit}
}

// ConnectionAck builds the handshake acknowledgment frame.
func ConnectionAck() Message {
	return Message{Type: TypeConnectionAck}
}

// KeepAlive builds a server keep-alive frame.
func KeepAlive() Message {
	return Message{Type: TypeKeepAlive}
}

// Start builds a subscription start frame.
func Start(id, topic string) (Message, error) {
	payload, err := json.Marshal(StartPayload{Topic: topic})
	if err != nil {
		return Message{}, fmt.Errorf("marshal start payload: %w", err)
	}
	return Message{ID: id, Type: TypeStart, Payload: payload}, nil
}

// Stop builds a subscription stop frame.
func Stop(id string) Message {
	return Message{ID: id, Type: TypeStop}
}

// Data builds a data frame delivering ev on subscription id.
func Data(id string, ev event.Event) (Message, error) {
	payload, err := json.Marshal(DataPayload{Event: ev})
	if err != nil {
		return Message{}, fmt.Errorf("marshal data payload: %w", err)
	}
	return Message{ID: id, Type: TypeData, Payload: payload}, nil
}

// Error builds an error frame. id may be empty when the failing
// subscription is unknown.
func Error(id, message string) Message {
	payload, _ := json.Marshal(ErrorPayload{Message: message})
	return Message{ID: id, Type: TypeError, Payload: payload}
}

// Complete builds a subscription completion frame.
func Complete(id string) Message {
	return Message{ID: id, Type: TypeComplete}
}

// Encode serializes msg for the wire.
func Encode(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return raw, nil
}
