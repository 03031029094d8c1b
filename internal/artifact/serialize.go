package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrUnknownSerializationType is returned for an unrecognized SerializationType.
var ErrUnknownSerializationType = errors.New("artifact: unknown serialization type")

// ContentStream is the chunked-read handle that bytestream/stringstream
// payloads must satisfy. Implementations must tolerate Close being called
// on every exit path, including after a partial Read.
type ContentStream interface {
	Open() error
	Read(n int) ([]byte, error)
	Close() error
}

// Serialize renders an item's payload to bytes according to typ. For the
// stream types, a payload already materialized as []byte or string (as
// Deserialize produces) is returned as bytes; a live ContentStream
// payload returns ErrStreamPayload since its bytes must be consumed via
// the ContentStream contract, not collected eagerly.
func Serialize(item *Item, typ SerializationType) ([]byte, error) {
	switch typ {
	case SerializationJSON:
		return canonicalJSON(item.Payload)
	case SerializationString:
		s, ok := item.Payload.(string)
		if !ok {
			return nil, fmt.Errorf("artifact: string serialization requires a string payload, got %T", item.Payload)
		}
		return []byte(s), nil
	case SerializationByteStream, SerializationStringStream:
		switch p := item.Payload.(type) {
		case []byte:
			return p, nil
		case string:
			return []byte(p), nil
		}
		return nil, ErrStreamPayload
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSerializationType, typ)
	}
}

// ErrStreamPayload signals that the payload must be consumed through the
// ContentStream contract rather than materialized as a single byte slice.
var ErrStreamPayload = errors.New("artifact: payload is a stream, use ConsumeStream")

// ConsumeStream reads cs to completion, calling Close on every exit path,
// and returns the accumulated bytes. Callers that only need the hash
// should prefer streaming directly into a hasher instead of buffering,
// but this helper exists for the common small-object case.
func ConsumeStream(cs ContentStream) (_ []byte, err error) {
	if err := cs.Open(); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cs.Close(); err == nil {
			err = cerr
		}
	}()

	var out []byte
	for {
		chunk, rerr := cs.Read(64 * 1024)
		out = append(out, chunk...)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
		if len(chunk) == 0 {
			break
		}
	}
	return out, nil
}

// SpecificHashFromPayload computes the content-determined specific_hash
// of an item's payload for the given serialization type.
func SpecificHashFromPayload(item *Item, typ SerializationType) (string, error) {
	switch typ {
	case SerializationJSON:
		return StableHashJSON(item.Payload)
	case SerializationString:
		b, err := Serialize(item, typ)
		if err != nil {
			return "", err
		}
		return StableHashBytes(b), nil
	case SerializationByteStream, SerializationStringStream:
		cs, ok := item.Payload.(ContentStream)
		if !ok {
			return "", fmt.Errorf("artifact: %s payload must implement ContentStream, got %T", typ, item.Payload)
		}
		b, err := ConsumeStream(cs)
		if err != nil {
			return "", err
		}
		return StableHashBytes(b), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSerializationType, typ)
	}
}

// Deserialize reverses Serialize for a backend reading cached bytes
// back off disk or an object store. Stream types are reconstituted as
// plain in-memory payloads since the original ContentStream (a file
// handle, typically) no longer exists once cached; a second Serialize
// of the resulting Item reproduces the same bytes.
func Deserialize(b []byte, typ SerializationType) (*Item, error) {
	switch typ {
	case SerializationJSON:
		var v interface{}
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("artifact: deserialize json payload: %w", err)
		}
		return NewItem(v), nil
	case SerializationString:
		return NewItem(string(b)), nil
	case SerializationByteStream:
		return NewItem(b), nil
	case SerializationStringStream:
		return NewItem(string(b)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSerializationType, typ)
	}
}
