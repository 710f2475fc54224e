// Package frame implements the JSON wire format exchanged between relay peers.
//
// Each UDP datagram carries exactly one frame: UTF-8 text containing a JSON
// object with the keys m_Type, m_FrameId, m_TargetId, m_SenderId and
// m_Important. Key names and JSON types are fixed for interoperability with
// existing peers.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Type is the message category carried in m_Type.
type Type int

// TypeHandshake is the identification category. All other values are opaque
// payload categories that the relay forwards without interpretation.
const TypeHandshake Type = 2

const (
	// ServerID is the reserved identifier of the single designated server peer.
	ServerID = "server"
	// ProxyID is the reserved identifier of the relay itself.
	ProxyID = "proxy"
)

// Wire keys.
const (
	KeyType      = "m_Type"
	KeyFrameID   = "m_FrameId"
	KeyTargetID  = "m_TargetId"
	KeySenderID  = "m_SenderId"
	KeyImportant = "m_Important"
)

var (
	// ErrMalformed is matched by every decode error.
	ErrMalformed = errors.New("frame: malformed")

	ErrInvalidUTF8  = fmt.Errorf("%w: payload is not valid utf-8", ErrMalformed)
	ErrInvalidJSON  = fmt.Errorf("%w: payload is not a json object", ErrMalformed)
	ErrMissingField = fmt.Errorf("%w: missing field", ErrMalformed)
	ErrFieldType    = fmt.Errorf("%w: wrong field type", ErrMalformed)
)

// Frame is the unit of communication between peers.
type Frame struct {
	Type      Type   `json:"m_Type"`
	FrameID   uint64 `json:"m_FrameId"`
	TargetID  string `json:"m_TargetId"`
	SenderID  string `json:"m_SenderId"`
	Important bool   `json:"m_Important"`
}

// IsHandshake reports whether f is an identification frame.
func (f Frame) IsHandshake() bool {
	return f.Type == TypeHandshake
}

// NewAck returns the relay-originated acknowledgement sent to targetID.
func NewAck(targetID string, frameID uint64) Frame {
	return Frame{
		Type:      TypeHandshake,
		FrameID:   frameID,
		TargetID:  targetID,
		SenderID:  ProxyID,
		Important: false,
	}
}

// Encode returns the JSON text form of f.
func Encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("frame: encode: %w", err)
	}
	return b, nil
}

// Decode parses a datagram payload into a Frame.
//
// Keys are matched exactly (encoding/json would otherwise match them case
// insensitively). A null value counts as missing. Unknown keys are ignored.
func Decode(b []byte) (Frame, error) {
	if !utf8.Valid(b) {
		return Frame{}, ErrInvalidUTF8
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if obj == nil {
		return Frame{}, fmt.Errorf("%w: null", ErrInvalidJSON)
	}

	var f Frame
	if err := field(obj, KeyType, &f.Type); err != nil {
		return Frame{}, err
	}
	if err := field(obj, KeyFrameID, &f.FrameID); err != nil {
		return Frame{}, err
	}
	if err := field(obj, KeyTargetID, &f.TargetID); err != nil {
		return Frame{}, err
	}
	if err := field(obj, KeySenderID, &f.SenderID); err != nil {
		return Frame{}, err
	}
	if err := field(obj, KeyImportant, &f.Important); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func field(obj map[string]json.RawMessage, key string, dst any) error {
	raw, ok := obj[key]
	if !ok || string(raw) == "null" {
		return fmt.Errorf("%w %s", ErrMissingField, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w %s: %v", ErrFieldType, key, err)
	}
	return nil
}
