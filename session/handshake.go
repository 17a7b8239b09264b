package session

import (
	"bytes"
	"fmt"
	"io"
)

const protocolName = "BitTorrent protocol"

// handshakeLen is the fixed wire size: 1 (pstrlen) + 19 (pstr) + 8
// (reserved) + 20 (info-hash) + 20 (peer-id).
const handshakeLen = 1 + len(protocolName) + 8 + 20 + 20

// Handshake is the fixed 68-byte greeting exchanged before any framed
// message, per spec §4.5.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize encodes h to its wire form. Reserved bytes are all zero;
// none of the protocol extensions this client does not implement
// (DHT, fast-extension, extended handshake) are advertised.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake reads and validates a 68-byte handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var pstrlenBuf [1]byte
	if _, err := io.ReadFull(r, pstrlenBuf[:]); err != nil {
		return Handshake{}, err
	}
	pstrlen := int(pstrlenBuf[0])
	rest := make([]byte, pstrlen+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, err
	}

	pstr := string(rest[:pstrlen])
	if pstr != protocolName {
		return Handshake{}, fmt.Errorf("session: unexpected protocol name %q", pstr)
	}

	var h Handshake
	cursor := pstrlen + 8
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])
	return h, nil
}

func infoHashEqual(a, b [20]byte) bool {
	return bytes.Equal(a[:], b[:])
}
