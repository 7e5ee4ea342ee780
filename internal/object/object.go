package object

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Object is a drawable object on a board. Payload is opaque client data and
// always carries the object's id under "id".
type Object struct {
	ID      string
	BoardID string
	Payload map[string]any
	Version uint64 // board version at which the object was added
}

// New builds an unversioned object from a validated payload.
func New(boardID string, payload map[string]any) Object {
	id, _ := payload["id"].(string)
	return Object{
		ID:      id,
		BoardID: boardID,
		Payload: payload,
	}
}

// Wire returns the object as sent to clients: the payload fields plus
// "version". A payload field named "version" is shadowed.
func (o Object) Wire() map[string]any {
	out := make(map[string]any, len(o.Payload)+1)
	for k, v := range o.Payload {
		out[k] = v
	}
	out["id"] = o.ID
	out["version"] = o.Version
	return out
}

// DecodePayload decodes a JSON object payload. Numbers stay json.Number so
// large integers pass through unchanged.
func DecodePayload(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	return payload, nil
}
