// Package session implements one peer connection's state machine: the
// handshake, the length-prefixed wire loop, choke/interest bookkeeping,
// bitfield tracking, request issuance via the scheduler, and incoming
// block/request servicing.
package session

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"leech/bitfield"
	"leech/message"
	"leech/metainfo"
	"leech/piecestore"
	"leech/scheduler"
)

// Endpoint is a peer's (ip, port) address.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// State is the session's lifecycle state, spec §4.5.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateClosed
)

const (
	handshakeTimeout = 10 * time.Second
	activeTimeout    = 30 * time.Second
)

// EventKind discriminates the events a Session reports to its owner.
type EventKind int

const (
	// EventPieceComplete reports that this session's last delivered
	// block completed and verified a piece. The owner is expected to
	// broadcast Have(PieceIndex) to its other sessions.
	EventPieceComplete EventKind = iota
	// EventStorageError reports an "io" class error (spec §7): fatal,
	// surfaced so the owner can stop the whole download rather than
	// just this session.
	EventStorageError
)

// Event is emitted on Session.Events() as the session progresses.
type Event struct {
	Kind       EventKind
	PieceIndex int
	Err        error
}

// Store is the subset of *piecestore.Store a session needs. Declaring it
// here (rather than depending on the concrete type everywhere) lets tests
// substitute an in-memory fake.
type Store interface {
	StoreBlock(pieceIndex, offset int, data []byte) (piecestore.Outcome, error)
	Read(pieceIndex, offset, length int) ([]byte, error)
	IsComplete(index int) bool
	NumPieces() int
	PieceLen(index int) int64
	HasBlock(pieceIndex, blockOffset int) bool
}

type blockKey struct {
	pieceIndex  int
	blockOffset int
}

// Session is one peer's connection and protocol state machine. All
// mutable fields below are touched only from the goroutine running Run,
// except where noted — this follows the message-passing-friendly
// redesign of spec §9: the session, not a shared lock, owns its state.
type Session struct {
	conn        net.Conn
	endpoint    Endpoint
	torrent     *metainfo.Torrent
	store       Store
	localPeerID [20]byte
	log         *logrus.Entry

	state  atomic.Int32
	closed atomic.Bool
	done   chan struct{}
	events chan Event

	amInterested    bool
	peerChoking     bool
	peerInterested  bool
	sawBitfield     bool
	sawOtherMessage bool

	peerHave    bitfield.Bitfield
	outstanding map[blockKey]int
}

// Dial connects to endpoint and completes the handshake for torrentInfo,
// using localPeerID as this client's peer-id. On success the returned
// Session is in state StateActive and Run has not yet been called.
func Dial(ctx context.Context, endpoint Endpoint, torrentInfo *metainfo.Torrent, localPeerID [20]byte, store Store, log *logrus.Entry) (*Session, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Session{
		endpoint:    endpoint,
		torrent:     torrentInfo,
		store:       store,
		localPeerID: localPeerID,
		log:         log.WithField("peer", endpoint.String()),
		done:        make(chan struct{}),
		events:      make(chan Event, 16),
		peerChoking: true,
		peerHave:    bitfield.New(torrentInfo.NumPieces()),
		outstanding: make(map[blockKey]int),
	}
	s.state.Store(int32(StateConnecting))

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", endpoint, err)
	}
	s.conn = conn
	s.state.Store(int32(StateHandshaking))

	if err := s.handshake(); err != nil {
		conn.Close()
		s.state.Store(int32(StateClosed))
		return nil, err
	}
	s.state.Store(int32(StateActive))
	return s, nil
}

func (s *Session) handshake() error {
	s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	req := Handshake{InfoHash: s.torrent.InfoHash, PeerID: s.localPeerID}
	if _, err := s.conn.Write(req.Serialize()); err != nil {
		return fmt.Errorf("session: send handshake: %w", err)
	}
	resp, err := ReadHandshake(s.conn)
	if err != nil {
		return fmt.Errorf("session: read handshake: %w", err)
	}
	if !infoHashEqual(resp.InfoHash, s.torrent.InfoHash) {
		return fmt.Errorf("session: info-hash mismatch with peer %s (different swarm)", s.endpoint)
	}
	// Peer-id mismatch is not fatal, per spec §4.5.
	return nil
}

// Endpoint returns the peer address this session is connected to.
func (s *Session) Endpoint() Endpoint { return s.endpoint }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Events returns the channel on which this session reports piece
// completions and storage errors. The owner must drain it.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close closes the underlying connection, unblocking any in-progress
// read and causing Run to return. Idempotent and safe to call from any
// goroutine.
func (s *Session) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.state.Store(int32(StateClosed))
		s.conn.Close()
	}
}

// SendHave writes a have(index) message to the peer. Safe to call
// concurrently with Run's read loop: net.Conn permits concurrent
// independent Read and Write calls.
func (s *Session) SendHave(index int) error {
	_, err := s.conn.Write(message.Have(index).Serialize())
	return err
}

// Run drives the active-phase message loop until a fatal transport
// error, protocol violation, or Close call ends it. It always returns
// (never panics on a closed connection) and always closes Done().
func (s *Session) Run() {
	defer func() {
		s.Close()
		close(s.done)
		close(s.events)
	}()

	for {
		if s.closed.Load() {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(activeTimeout))
		msg, err := message.Read(s.conn)
		if err != nil {
			s.log.WithError(err).Debug("session closing: read error")
			return
		}
		if msg == nil {
			continue // keep-alive
		}
		if err := s.handle(msg); err != nil {
			s.log.WithError(err).Debug("session closing: protocol violation")
			return
		}
	}
}

func (s *Session) handle(msg *message.Message) error {
	if msg.ID == message.Bitfield {
		if s.sawBitfield || s.sawOtherMessage {
			return fmt.Errorf("session: bitfield received out of order")
		}
		return s.handleBitfield(msg)
	}
	s.sawOtherMessage = true

	switch msg.ID {
	case message.Choke:
		s.peerChoking = true
		s.outstanding = make(map[blockKey]int)
		return nil
	case message.Unchoke:
		s.peerChoking = false
		s.pump()
		return nil
	case message.Interested:
		s.peerInterested = true
		return nil
	case message.NotInterested:
		s.peerInterested = false
		return nil
	case message.Have:
		return s.handleHave(msg)
	case message.Request:
		return s.handleRequest(msg)
	case message.Piece:
		return s.handlePiece(msg)
	case message.Cancel:
		return nil // we answer requests synchronously; nothing queued to cancel
	default:
		return fmt.Errorf("session: unknown message id %d", uint8(msg.ID))
	}
}

func (s *Session) handleBitfield(msg *message.Message) error {
	want := (s.torrent.NumPieces() + 7) / 8
	if len(msg.Payload) != want {
		return fmt.Errorf("session: bitfield length %d, want %d", len(msg.Payload), want)
	}
	bf := bitfield.Bitfield(append([]byte(nil), msg.Payload...))
	if !bf.HasPaddingZero(s.torrent.NumPieces()) {
		return fmt.Errorf("session: bitfield pad bits are not zero")
	}
	s.peerHave = bf
	s.sawBitfield = true
	s.maybeSendInterested()
	s.pump()
	return nil
}

func (s *Session) handleHave(msg *message.Message) error {
	index, err := message.ParseHave(msg)
	if err != nil {
		return err
	}
	if index < 0 || index >= s.torrent.NumPieces() {
		return fmt.Errorf("session: have index %d out of range [0,%d)", index, s.torrent.NumPieces())
	}
	s.peerHave.Set(index)
	s.maybeSendInterested()
	if !s.peerChoking {
		s.pump()
	}
	return nil
}

func (s *Session) maybeSendInterested() {
	if s.amInterested {
		return
	}
	for i := 0; i < s.torrent.NumPieces(); i++ {
		if s.peerHave.Has(i) && !s.store.IsComplete(i) {
			if _, err := s.conn.Write((&message.Message{ID: message.Interested}).Serialize()); err == nil {
				s.amInterested = true
			}
			return
		}
	}
}

// handleRequest serves a peer's request for a block we hold, per spec
// §4.5: this client never unchokes peers, so in practice a well-behaved
// peer will rarely send us a request — but the path is implemented for
// protocol completeness and in case a peer requests regardless.
func (s *Session) handleRequest(msg *message.Message) error {
	fields, err := message.ParseRequest(msg)
	if err != nil {
		return err
	}
	if fields.Length > message.BlockSize || fields.Index < 0 || fields.Index >= s.torrent.NumPieces() {
		return nil // silently drop, per spec
	}
	if !s.store.IsComplete(fields.Index) {
		return nil
	}
	data, err := s.store.Read(fields.Index, fields.Begin, fields.Length)
	if err != nil || data == nil {
		if err != nil {
			s.log.WithError(err).Warn("failed to read block for peer request")
		}
		return nil
	}
	payload := make([]byte, 8+len(data))
	putUint32(payload[0:4], uint32(fields.Index))
	putUint32(payload[4:8], uint32(fields.Begin))
	copy(payload[8:], data)
	_, werr := s.conn.Write((&message.Message{ID: message.Piece, Payload: payload}).Serialize())
	return werr
}

func (s *Session) handlePiece(msg *message.Message) error {
	fields, err := message.ParsePiece(msg)
	if err != nil {
		return err
	}
	key := blockKey{fields.Index, fields.Begin}
	length, ok := s.outstanding[key]
	if !ok {
		s.log.Debug("unsolicited piece block, discarding")
		return nil
	}
	if length != len(fields.Data) {
		return fmt.Errorf("session: piece block length %d, requested %d", len(fields.Data), length)
	}
	delete(s.outstanding, key)

	outcome, err := s.store.StoreBlock(fields.Index, fields.Begin, fields.Data)
	if err != nil {
		s.events <- Event{Kind: EventStorageError, PieceIndex: fields.Index, Err: err}
		return err
	}
	switch outcome {
	case piecestore.PieceComplete:
		s.events <- Event{Kind: EventPieceComplete, PieceIndex: fields.Index}
	case piecestore.Rejected:
		s.log.WithField("piece", fields.Index).Warn("piece failed integrity check, will retry")
	case piecestore.AcceptedPartial:
	}
	s.pump()
	return nil
}

func (s *Session) pump() {
	if s.peerChoking {
		return
	}
	for _, req := range scheduler.PickRequests(s, s.store) {
		m := message.Request(req.PieceIndex, req.BlockOffset, req.BlockLength)
		if _, err := s.conn.Write(m.Serialize()); err != nil {
			s.log.WithError(err).Debug("failed to write request")
			return
		}
		s.outstanding[blockKey{req.PieceIndex, req.BlockOffset}] = req.BlockLength
	}
}

// --- scheduler.PeerView ---

func (s *Session) HasPiece(index int) bool {
	return index >= 0 && index < s.peerHave.Len() && s.peerHave.Has(index)
}

func (s *Session) IsOutstanding(pieceIndex, blockOffset int) bool {
	_, ok := s.outstanding[blockKey{pieceIndex, blockOffset}]
	return ok
}

func (s *Session) FreeSlots() int {
	free := scheduler.PerSessionCap - len(s.outstanding)
	if free < 0 {
		return 0
	}
	return free
}

func (s *Session) InFlightPieces() []int {
	set := make(map[int]struct{}, len(s.outstanding))
	for k := range s.outstanding {
		set[k.pieceIndex] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for idx := range set {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
