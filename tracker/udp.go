package tracker

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// udpProtocolMagic is the fixed connection_id used to open a BEP 15
// connection, "a random number specifically defined for this purpose".
const udpProtocolMagic = 0x41727101980

const (
	actionConnect  = 0
	actionAnnounce = 1
)

// udpRequestTimeout is the base per-attempt timeout, matching the 10s
// tracker request timeout spec.md §5 specifies; roundTrip doubles it on
// each retry per BEP 15's backoff schedule.
const udpRequestTimeout = 10 * time.Second

// UDPTracker announces over the compact UDP protocol, BEP 15.
type UDPTracker struct {
	announceURL string
	addr        string
	conn        net.Conn
}

// NewUDPTracker resolves and dials addr ("host:port", no scheme).
func NewUDPTracker(announceURL, addr string) (*UDPTracker, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dial udp %s: %w", addr, err)
	}
	return &UDPTracker{announceURL: announceURL, addr: addr, conn: conn}, nil
}

func (t *UDPTracker) URL() string { return t.announceURL }

func (t *UDPTracker) Close() error { return t.conn.Close() }

func (t *UDPTracker) Announce(req AnnounceRequest) (AnnounceResult, error) {
	connID, err := t.connect()
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: udp connect %s: %w", t.addr, err)
	}
	return t.announce(connID, req)
}

func (t *UDPTracker) connect() (uint64, error) {
	txID := randomTxID()
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(out[8:12], actionConnect)
	binary.BigEndian.PutUint32(out[12:16], txID)

	in, err := t.roundTrip(out, 16)
	if err != nil {
		return 0, err
	}
	if binary.BigEndian.Uint32(in[0:4]) != actionConnect {
		return 0, fmt.Errorf("unexpected action in connect response")
	}
	if binary.BigEndian.Uint32(in[4:8]) != txID {
		return 0, fmt.Errorf("transaction id mismatch in connect response")
	}
	return binary.BigEndian.Uint64(in[8:16]), nil
}

func (t *UDPTracker) announce(connID uint64, req AnnounceRequest) (AnnounceResult, error) {
	txID := randomTxID()
	out := make([]byte, 98)
	binary.BigEndian.PutUint64(out[0:8], connID)
	binary.BigEndian.PutUint32(out[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(out[12:16], txID)
	copy(out[16:36], req.InfoHash[:])
	copy(out[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(out[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(out[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(out[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(out[80:84], udpEventCode(req.Event))
	// IP (0 = use sender's address), key, num_want, port.
	binary.BigEndian.PutUint32(out[84:88], 0)
	binary.BigEndian.PutUint32(out[88:92], randomTxID())
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(out[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(out[96:98], req.Port)

	in, err := t.roundTrip(out, 20)
	if err != nil {
		return AnnounceResult{}, err
	}
	if binary.BigEndian.Uint32(in[0:4]) != actionAnnounce {
		return AnnounceResult{}, fmt.Errorf("unexpected action in announce response")
	}
	if binary.BigEndian.Uint32(in[4:8]) != txID {
		return AnnounceResult{}, fmt.Errorf("transaction id mismatch in announce response")
	}
	interval := binary.BigEndian.Uint32(in[8:12])

	peerBytes := in[20:]
	peers, err := decodeCompactPeers(peerBytes)
	if err != nil {
		return AnnounceResult{}, err
	}
	return AnnounceResult{Peers: peers, Interval: time.Duration(interval) * time.Second}, nil
}

// roundTrip writes req and reads a response of at least minReplyLen
// bytes, retrying with BEP 15's exponential backoff (doubling
// udpRequestTimeout each attempt) up to 3 attempts.
func (t *UDPTracker) roundTrip(req []byte, minReplyLen int) ([]byte, error) {
	var lastErr error
	buf := make([]byte, 2048)
	for attempt := 0; attempt < 3; attempt++ {
		timeout := udpRequestTimeout * time.Duration(1<<attempt)
		t.conn.SetDeadline(time.Now().Add(timeout))
		if _, err := t.conn.Write(req); err != nil {
			return nil, err
		}
		n, err := t.conn.Read(buf)
		if err != nil {
			lastErr = err
			continue
		}
		if n < minReplyLen {
			lastErr = fmt.Errorf("short udp tracker reply: %d bytes", n)
			continue
		}
		return buf[:n], nil
	}
	return nil, lastErr
}

func udpEventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func randomTxID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}
