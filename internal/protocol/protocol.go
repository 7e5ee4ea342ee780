// Package protocol defines the JSON envelopes exchanged over a board socket.
//
// Every frame is {"type": <Kind>, "data": <payload>}. Kinds form a closed set;
// Parse reports anything else as KindUnknown so callers can ignore it.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mattfrayser/boardrelay/internal/object"
)

// Kind tags a message.
type Kind string

const (
	KindUnknown Kind = ""

	// client -> server
	KindAddObject Kind = "ADD_OBJECT"

	// server -> client
	KindInitialData Kind = "INITIAL_DATA"
	KindObjectAdded Kind = "OBJECT_ADDED"
	KindError       Kind = "ERROR"
)

var knownKinds = map[Kind]struct{}{
	KindAddObject:   {},
	KindInitialData: {},
	KindObjectAdded: {},
	KindError:       {},
}

// Known reports whether k is part of the protocol.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Inbound reports whether clients may send k.
func (k Kind) Inbound() bool {
	return k == KindAddObject
}

// Envelope is the frame shared by both directions.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is a parsed client frame. Kind is KindUnknown for unrecognized tags;
// Tag keeps the raw value for logging.
type Inbound struct {
	Kind Kind
	Tag  string
	Data json.RawMessage
}

// Parse decodes a client frame. Malformed JSON and a missing or non-string
// type are errors; an unrecognized type is not.
func Parse(raw []byte) (Inbound, error) {
	var envelope struct {
		Type *string         `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Inbound{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if envelope.Type == nil || *envelope.Type == "" {
		return Inbound{}, fmt.Errorf("missing message type")
	}

	msg := Inbound{Tag: *envelope.Type, Data: envelope.Data}
	if k := Kind(*envelope.Type); k.Known() {
		msg.Kind = k
	}
	return msg, nil
}

// AddObjectData extracts the object from an ADD_OBJECT payload. "Object" is
// preferred, then "object", then any other casing in sorted key order.
func AddObjectData(data json.RawMessage) (map[string]any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("missing data")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("data must be an object: %w", err)
	}

	value, ok := objectField(fields)
	if !ok {
		return nil, fmt.Errorf("missing object")
	}
	obj, err := object.DecodePayload(value)
	if err != nil {
		return nil, fmt.Errorf("object must be a JSON object: %w", err)
	}
	return obj, nil
}

func objectField(fields map[string]json.RawMessage) (json.RawMessage, bool) {
	for _, key := range []string{"Object", "object"} {
		if value, ok := fields[key]; ok {
			return value, true
		}
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if strings.EqualFold(key, "object") {
			return fields[key], true
		}
	}
	return nil, false
}

// ErrorData is the payload of an ERROR message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode marshals a server frame of kind k carrying data.
func Encode(k Kind, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", k, err)
	}
	msg, err := json.Marshal(Envelope{Type: k, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", k, err)
	}
	return msg, nil
}

// EncodeError builds an ERROR frame.
func EncodeError(code, message string) ([]byte, error) {
	return Encode(KindError, ErrorData{Code: code, Message: message})
}
