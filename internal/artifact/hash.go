package artifact

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// hashSalt distinguishes the second xxhash pass from the first when
// combining two 64-bit digests into a 128-bit identity value.
var hashSalt = []byte{0x70, 0x69, 0x70, 0x65, 0x74, 0x72, 0x65, 0x65} // "pipetree"

// stableHash128 returns the stable 128-bit hash (as 32 hex chars) of b,
// built from two independent xxhash.Sum64 passes.
func stableHash128(b []byte) string {
	h1 := xxhash.Sum64(b)
	h2 := xxhash.Sum64(append(append([]byte{}, hashSalt...), b...))
	out := make([]byte, 16)
	putUint64(out[0:8], h1)
	putUint64(out[8:16], h2)
	return hex.EncodeToString(out)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func stableHash128Strings(parts []string) string {
	sorted := append([]string{}, parts...)
	sort.Strings(sorted)
	var buf []byte
	for _, p := range sorted {
		buf = append(buf, []byte(p)...)
	}
	return stableHash128(buf)
}

// toJSONString canonically encodes v (sorted map keys, stable number
// formatting) for hashing or fan-out comparison purposes.
func toJSONString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// StableHashJSON computes the specific_hash of a JSON-serializable value:
// a stable 128-bit hash of its canonical JSON encoding.
func StableHashJSON(v interface{}) (string, error) {
	b, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	return stableHash128(b), nil
}

// StableHashBytes computes a stable 128-bit hash directly over raw bytes,
// used for string/bytestream serialization types.
func StableHashBytes(b []byte) string {
	return stableHash128(b)
}

// canonicalJSON re-marshals v through a generic interface{} round trip so
// that map keys are sorted, matching "canonical text encoding with sorted
// keys" from §4.1.
func canonicalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte("[")
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(t)
	}
}
