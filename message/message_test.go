package message

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeKeepAlive(t *testing.T) {
	var m *Message
	assert.Equal(t, []byte{0, 0, 0, 0}, m.Serialize())
}

func TestSerializeRoundTrip(t *testing.T) {
	orig := Request(1, 16384, 16384)
	buf := bytes.NewReader(orig.Serialize())
	got, err := Read(buf)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.Payload, got.Payload)
}

func TestReadKeepAlive(t *testing.T) {
	got, err := Read(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	lengthBuf := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, err := Read(bytes.NewReader(lengthBuf))
	assert.Error(t, err)
}

func TestParseHave(t *testing.T) {
	m := Have(7)
	idx, err := ParseHave(m)
	require.NoError(t, err)
	assert.Equal(t, 7, idx)

	_, err = ParseHave(&Message{ID: Choke})
	assert.Error(t, err)
}

func TestParseRequestAndCancel(t *testing.T) {
	for _, id := range []ID{Request, Cancel} {
		m := &Message{ID: id, Payload: make([]byte, 12)}
		fields, err := ParseRequest(m)
		require.NoError(t, err)
		assert.Equal(t, RequestFields{}, fields)
	}
}

func TestParsePiece(t *testing.T) {
	payload := append([]byte{0, 0, 0, 1, 0, 0, 0, 2}, []byte("data")...)
	m := &Message{ID: Piece, Payload: payload}
	fields, err := ParsePiece(m)
	require.NoError(t, err)
	assert.Equal(t, 1, fields.Index)
	assert.Equal(t, 2, fields.Begin)
	assert.Equal(t, []byte("data"), fields.Data)
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "choke", Choke.String())
	assert.Equal(t, "unknown(99)", ID(99).String())
}
