// Package server defines the JSON envelopes exchanged with chat clients and
// the helpers that decode inbound frames and encode outbound notices.
package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Envelope type tags as they appear on the wire.
const (
	TypeJoin    = "join"
	TypeMessage = "message"
	TypeSystem  = "system"
)

// TimeLayout is the wire format of outbound timestamps (UTC, milliseconds).
const TimeLayout = "2006-01-02T15:04:05.000Z"

// ErrMalformedEnvelope is returned by DecodeEnvelope for frames that are not
// valid envelopes.
var ErrMalformedEnvelope = errors.New("malformed envelope")

var validate = validator.New()

// Inbound is an envelope received from a client. The concrete type is one of
// JoinEnvelope, ChatEnvelope or UnknownEnvelope.
type Inbound interface {
	inbound()
}

// JoinEnvelope declares the sender's display name.
type JoinEnvelope struct {
	Name string `json:"name" validate:"required"`
}

// ChatEnvelope carries a chat message body. Name is only used when the
// connection never joined.
type ChatEnvelope struct {
	Text string `json:"text"`
	Name string `json:"name,omitempty"`
}

// UnknownEnvelope is any well-formed envelope with an unrecognized type.
type UnknownEnvelope struct {
	Type string
}

func (JoinEnvelope) inbound()    {}
func (ChatEnvelope) inbound()    {}
func (UnknownEnvelope) inbound() {}

// Outbound is an envelope sent to clients.
type Outbound interface {
	Encode() ([]byte, error)
}

// SystemEnvelope is a join or leave notice.
type SystemEnvelope struct {
	Text string
	Time time.Time
}

// MessageEnvelope is a relayed chat message.
type MessageEnvelope struct {
	Name string
	Text string
	Time time.Time
}

type systemWire struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Time string `json:"time"`
}

type messageWire struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Text string `json:"text"`
	Time string `json:"time"`
}

// Encode serializes the notice to its JSON wire form.
func (e SystemEnvelope) Encode() ([]byte, error) {
	return json.Marshal(systemWire{Type: TypeSystem, Text: e.Text, Time: FormatTime(e.Time)})
}

// Encode serializes the message to its JSON wire form.
func (e MessageEnvelope) Encode() ([]byte, error) {
	return json.Marshal(messageWire{Type: TypeMessage, Name: e.Name, Text: e.Text, Time: FormatTime(e.Time)})
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// DecodeEnvelope parses a raw frame into one of the Inbound variants.
// Frames that are not JSON objects, lack a type tag, or fail field
// validation yield an error wrapping ErrMalformedEnvelope.
func DecodeEnvelope(raw []byte) (Inbound, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	if head.Type == nil {
		return nil, errors.Wrap(ErrMalformedEnvelope, "missing type")
	}

	switch *head.Type {
	case TypeJoin:
		var env JoinEnvelope
		if err := decodeBody(raw, &env); err != nil {
			return nil, err
		}
		env.Name = strings.TrimSpace(env.Name)
		if err := validate.Struct(env); err != nil {
			return nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
		}
		return env, nil
	case TypeMessage:
		var env ChatEnvelope
		if err := decodeBody(raw, &env); err != nil {
			return nil, err
		}
		return env, nil
	default:
		return UnknownEnvelope{Type: *head.Type}, nil
	}
}

func decodeBody(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	return nil
}
