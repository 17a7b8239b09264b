// Package message implements the length-prefixed peer wire protocol
// framing described in BEP 3: a 4-byte big-endian length followed by a
// single message-id byte and an id-specific payload.
package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a peer wire message per the id table in BEP 3.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// BlockSize is the fixed transfer granularity for request/piece messages.
const BlockSize = 16384

// MaxLength bounds the wire length field to reject obviously hostile
// frames before allocating a buffer for them.
const MaxLength = 1 << 20

// Message is a single framed peer message. A nil *Message serializes to a
// keep-alive; a non-nil one always carries its ID byte (ID 0 is choke).
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m as length-prefixed wire bytes. A nil receiver
// produces a zero-length keep-alive frame.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// Read parses one framed message from r. A nil *Message with a nil error
// indicates a keep-alive (zero-length frame).
func Read(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxLength {
		return nil, fmt.Errorf("message: frame length %d exceeds max %d", length, MaxLength)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Message{ID: ID(buf[0]), Payload: buf[1:]}, nil
}

// Have builds a have message advertising piece index.
func Have(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// Request builds a request message for a single block.
func Request(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// Cancel builds a cancel message; payload layout matches Request.
func Cancel(index, begin, length int) *Message {
	m := Request(index, begin, length)
	m.ID = Cancel
	return m
}

// ParseHave extracts the piece index from a have message.
func ParseHave(m *Message) (int, error) {
	if m.ID != Have {
		return 0, fmt.Errorf("message: expected have, got %s", m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("message: have payload length %d, want 4", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// Request fields parsed from a request or cancel message.
type RequestFields struct {
	Index, Begin, Length int
}

// ParseRequest extracts index/begin/length from a request or cancel message.
func ParseRequest(m *Message) (RequestFields, error) {
	if m.ID != Request && m.ID != Cancel {
		return RequestFields{}, fmt.Errorf("message: expected request/cancel, got %s", m.ID)
	}
	if len(m.Payload) != 12 {
		return RequestFields{}, fmt.Errorf("message: request payload length %d, want 12", len(m.Payload))
	}
	return RequestFields{
		Index:  int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(m.Payload[8:12])),
	}, nil
}

// PieceFields is the parsed (index, begin) header of a piece message; the
// remaining payload bytes are the block data.
type PieceFields struct {
	Index, Begin int
	Data         []byte
}

// ParsePiece extracts index, begin and data from a piece message.
func ParsePiece(m *Message) (PieceFields, error) {
	if m.ID != Piece {
		return PieceFields{}, fmt.Errorf("message: expected piece, got %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return PieceFields{}, fmt.Errorf("message: piece payload length %d, want >= 8", len(m.Payload))
	}
	return PieceFields{
		Index: int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin: int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Data:  m.Payload[8:],
	}, nil
}
