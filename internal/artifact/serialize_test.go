package artifact

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	chunks [][]byte
	pos    int
	opened bool
	closed bool
}

func (f *fakeStream) Open() error {
	f.opened = true
	return nil
}

func (f *fakeStream) Read(n int) ([]byte, error) {
	if f.pos >= len(f.chunks) {
		return nil, io.EOF
	}
	c := f.chunks[f.pos]
	f.pos++
	return c, nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func TestSerializeJSON(t *testing.T) {
	item := NewItem(map[string]interface{}{"b": 2, "a": 1})
	b, err := Serialize(item, SerializationJSON)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(b))
}

func TestSerializeStringRequiresStringPayload(t *testing.T) {
	item := NewItem(42)
	_, err := Serialize(item, SerializationString)
	assert.Error(t, err)
}

func TestSerializeStreamTypesReturnErrStreamPayload(t *testing.T) {
	item := NewItem(&fakeStream{})
	_, err := Serialize(item, SerializationByteStream)
	assert.ErrorIs(t, err, ErrStreamPayload)
}

func TestConsumeStreamClosesOnSuccess(t *testing.T) {
	fs := &fakeStream{chunks: [][]byte{[]byte("hel"), []byte("lo")}}
	b, err := ConsumeStream(fs)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	assert.True(t, fs.opened)
	assert.True(t, fs.closed)
}

type failingCloseStream struct{ fakeStream }

func (f *failingCloseStream) Close() error { return errors.New("boom") }

func TestConsumeStreamSurfacesCloseError(t *testing.T) {
	fs := &failingCloseStream{}
	_, err := ConsumeStream(fs)
	assert.Error(t, err)
}

func TestSpecificHashFromPayloadStream(t *testing.T) {
	fs := &fakeStream{chunks: [][]byte{[]byte("data")}}
	item := NewItem(fs)
	hash, err := SpecificHashFromPayload(item, SerializationByteStream)
	require.NoError(t, err)
	assert.Equal(t, StableHashBytes([]byte("data")), hash)
}

func TestDeserializeRoundTripsJSON(t *testing.T) {
	item := NewItem(map[string]interface{}{"a": float64(1)})
	b, err := Serialize(item, SerializationJSON)
	require.NoError(t, err)
	back, err := Deserialize(b, SerializationJSON)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, back.Payload)
}
