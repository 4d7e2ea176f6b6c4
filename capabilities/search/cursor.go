package search

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/DAMEDIC/fhir-store-go/outcome"
)

// Cursor is an opaque continuation token for paged results.
//
// A cursor is meaningful only to the backend and query shape that produced
// it. Clients round-trip it unmodified; decoding it under a different backend
// or query shape fails cleanly instead of returning corrupted results.
type Cursor string

// cursorEnvelope binds a backend-specific payload to the backend and query
// shape that produced it.
type cursorEnvelope struct {
	Backend string `json:"b"`
	Shape   string `json:"s"`
	Payload []byte `json:"p"`
}

// EncodeCursor wraps a backend-specific continuation payload.
func EncodeCursor(backend string, shape string, payload []byte) Cursor {
	raw, err := json.Marshal(cursorEnvelope{Backend: backend, Shape: shape, Payload: payload})
	if err != nil {
		return ""
	}
	return Cursor(base64.RawURLEncoding.EncodeToString(raw))
}

// DecodeCursor unwraps a cursor produced by [EncodeCursor]. It fails with a
// validation error if the cursor is malformed or was produced by a different
// backend or query shape.
func DecodeCursor(c Cursor, backend string, shape string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return nil, &outcome.ValidationError{Detail: "malformed cursor"}
	}
	var envelope cursorEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &outcome.ValidationError{Detail: "malformed cursor"}
	}
	if envelope.Backend != backend {
		return nil, &outcome.ValidationError{Detail: fmt.Sprintf("cursor was produced by backend %q", envelope.Backend)}
	}
	if envelope.Shape != shape {
		return nil, &outcome.ValidationError{Detail: "cursor does not belong to this query shape"}
	}
	return envelope.Payload, nil
}

// Shape returns a stable fingerprint of everything that determines the
// result sequence: resource type, conditions, sort and shaping directives.
// Pagination state itself is excluded.
func (q Query) Shape() string {
	stripped := q
	stripped.Cursor = ""
	stripped.Count = 0
	stripped.Ignored = nil

	h := fnv.New64a()
	fmt.Fprint(h, stripped.ResourceType, "?", BuildQuery(stripped))
	return fmt.Sprintf("%016x", h.Sum64())
}
