// Package piecestore implements durable block storage, piece assembly,
// hash verification, and file-spanning read/write across the flat byte
// space a torrent's file list describes.
package piecestore

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"leech/bitfield"
	"leech/message"
	"leech/metainfo"
)

// BlockSize is the fixed transfer granularity, matching message.BlockSize.
const BlockSize = message.BlockSize

// defaultHandleCap bounds the file-handle pool; see filePool.
const defaultHandleCap = 64

// Status is a piece's lifecycle state.
type Status int

const (
	Missing Status = iota
	InFlight
	Complete
)

// Outcome reports what StoreBlock did with a delivered block.
type Outcome int

const (
	// AcceptedPartial means the block was buffered (or was a harmless
	// duplicate / a block for an already-complete piece) and the piece
	// is not yet complete.
	AcceptedPartial Outcome = iota
	// PieceComplete means this block completed the piece and it
	// verified and was written to disk.
	PieceComplete
	// Rejected means this block completed the piece but its hash did
	// not match; buffered blocks were dropped and the piece is missing
	// again.
	Rejected
)

var ErrHashMismatch = fmt.Errorf("piecestore: piece hash mismatch")

type pieceState struct {
	mu       sync.Mutex
	status   Status
	buf      []byte
	received bitfield.Bitfield
	numBlock int
}

// Store owns on-disk file allocation, per-piece in-memory assembly
// buffers, and hash verification for one torrent's download.
type Store struct {
	torrent *metainfo.Torrent
	root    string
	pieces  []pieceState
	pool    *filePool
	log     *logrus.Entry
}

// Open initializes file-spanning storage under root for t, sparse-
// allocating any file that does not already exist and leaving existing
// files untouched so a prior run's progress can be resumed.
func Open(t *metainfo.Torrent, root string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Store{
		torrent: t,
		root:    root,
		pieces:  make([]pieceState, t.NumPieces()),
		pool:    newFilePool(defaultHandleCap),
		log:     log,
	}
	for i := range s.pieces {
		s.pieces[i].numBlock = numBlocks(t.PieceLen(i))
	}
	if err := s.initFiles(); err != nil {
		return nil, fmt.Errorf("piecestore: %w", err)
	}
	return s, nil
}

func numBlocks(pieceLen int64) int {
	return int((pieceLen + BlockSize - 1) / BlockSize)
}

func (s *Store) initFiles() error {
	for _, file := range s.torrent.Files {
		abs := filepath.Join(s.root, file.RelativePath)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", file.RelativePath, err)
		}
		if _, err := os.Stat(abs); err == nil {
			continue // resume: never truncate an existing file
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", file.RelativePath, err)
		}
		f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %w", file.RelativePath, err)
		}
		if file.Length > 0 {
			if _, err := f.WriteAt([]byte{0}, file.Length-1); err != nil {
				f.Close()
				return fmt.Errorf("sparse-allocate %s: %w", file.RelativePath, err)
			}
		}
		f.Close()
	}
	return nil
}

// StoreBlock accepts one (piece_index, offset, bytes) delivery per spec
// §4.3. offset must be a multiple of BlockSize; offset+len(data) must not
// exceed the piece's length. The first delivery for a given offset wins;
// later deliveries to the same offset, or any delivery to an already-
// complete piece, are silently discarded as harmless duplicates.
func (s *Store) StoreBlock(pieceIndex, offset int, data []byte) (Outcome, error) {
	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return AcceptedPartial, fmt.Errorf("piecestore: piece index %d out of range", pieceIndex)
	}
	pieceLen := int(s.torrent.PieceLen(pieceIndex))
	if offset < 0 || offset%BlockSize != 0 {
		return AcceptedPartial, fmt.Errorf("piecestore: offset %d not block-aligned", offset)
	}
	if offset+len(data) > pieceLen {
		return AcceptedPartial, fmt.Errorf("piecestore: block [%d,%d) exceeds piece length %d", offset, offset+len(data), pieceLen)
	}

	p := &s.pieces[pieceIndex]
	p.mu.Lock()

	if p.status == Complete {
		p.mu.Unlock()
		return AcceptedPartial, nil
	}
	if p.buf == nil {
		p.buf = make([]byte, pieceLen)
		p.received = bitfield.New(p.numBlock)
		p.status = InFlight
	}

	blockIndex := offset / BlockSize
	if p.received.Has(blockIndex) {
		p.mu.Unlock()
		return AcceptedPartial, nil
	}
	copy(p.buf[offset:offset+len(data)], data)
	p.received.Set(blockIndex)

	if p.received.Count(p.numBlock) < p.numBlock {
		p.mu.Unlock()
		return AcceptedPartial, nil
	}

	// All blocks present: verify and, on success, persist. Hold the
	// piece lock across the write so a concurrent duplicate delivery
	// cannot observe a half-completed transition.
	sum := sha1.Sum(p.buf)
	if sum != s.torrent.PieceHashes[pieceIndex] {
		s.log.WithField("piece", pieceIndex).Warn("piece hash mismatch, discarding buffered blocks")
		p.buf = nil
		p.received = nil
		p.status = Missing
		p.mu.Unlock()
		return Rejected, nil
	}

	if err := s.writePiece(pieceIndex, p.buf); err != nil {
		p.mu.Unlock()
		return AcceptedPartial, fmt.Errorf("piecestore: write piece %d: %w", pieceIndex, err)
	}
	p.buf = nil
	p.received = nil
	p.status = Complete
	p.mu.Unlock()
	s.log.WithField("piece", pieceIndex).Debug("piece verified and written")
	return PieceComplete, nil
}

// writePiece writes pieceData (exactly PieceLen(pieceIndex) bytes) across
// whichever files its absolute range straddles.
func (s *Store) writePiece(pieceIndex int, pieceData []byte) error {
	begin, _ := s.torrent.PieceBounds(pieceIndex)
	return s.forEachOverlap(begin, int64(len(pieceData)), func(path string, fileOff, pieceOff, n int64) error {
		f, err := s.pool.open(path)
		if err != nil {
			return err
		}
		_, err = f.WriteAt(pieceData[pieceOff:pieceOff+n], fileOff)
		return err
	})
}

// Read returns the length bytes at (pieceIndex, offset) from disk. It
// returns (nil, nil) if the piece is not yet complete.
func (s *Store) Read(pieceIndex, offset, length int) ([]byte, error) {
	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return nil, fmt.Errorf("piecestore: piece index %d out of range", pieceIndex)
	}
	p := &s.pieces[pieceIndex]
	p.mu.Lock()
	complete := p.status == Complete
	p.mu.Unlock()
	if !complete {
		return nil, nil
	}

	begin, _ := s.torrent.PieceBounds(pieceIndex)
	absolute := begin + int64(offset)
	out := make([]byte, length)
	err := s.forEachOverlap(absolute, int64(length), func(path string, fileOff, bufOff, n int64) error {
		f, err := s.pool.open(path)
		if err != nil {
			return err
		}
		_, err = f.ReadAt(out[bufOff:bufOff+n], fileOff)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("piecestore: read piece %d: %w", pieceIndex, err)
	}
	return out, nil
}

// forEachOverlap walks the torrent's file list in declared order and
// invokes fn once per file whose range intersects the absolute byte
// range [absBegin, absBegin+length). fn receives the file's absolute
// path, the offset within that file to read/write at, the corresponding
// offset within the caller's [0,length) buffer, and the overlap length.
func (s *Store) forEachOverlap(absBegin, length int64, fn func(path string, fileOff, bufOff, n int64) error) error {
	absEnd := absBegin + length
	var fileStart int64
	for _, file := range s.torrent.Files {
		fileEnd := fileStart + file.Length
		overlapStart := max64(absBegin, fileStart)
		overlapEnd := min64(absEnd, fileEnd)
		if overlapStart < overlapEnd {
			abs := filepath.Join(s.root, file.RelativePath)
			if err := fn(abs, overlapStart-fileStart, overlapStart-absBegin, overlapEnd-overlapStart); err != nil {
				return err
			}
		}
		fileStart = fileEnd
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// IsComplete reports whether piece i has been verified and written.
func (s *Store) IsComplete(i int) bool {
	p := &s.pieces[i]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status == Complete
}

// HasBlock reports whether the block at blockOffset within piece i has
// already been received (from any session) or the piece is complete.
// The scheduler uses this to avoid re-requesting blocks another session
// already delivered.
func (s *Store) HasBlock(i, blockOffset int) bool {
	p := &s.pieces[i]
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == Complete {
		return true
	}
	if p.received == nil {
		return false
	}
	return p.received.Has(blockOffset / BlockSize)
}

// NumPieces returns N, the number of pieces this store tracks.
func (s *Store) NumPieces() int { return len(s.pieces) }

// PieceLen returns the length of piece i, delegating to the torrent record.
func (s *Store) PieceLen(i int) int64 { return s.torrent.PieceLen(i) }

// MissingPieces returns the ordered indices of pieces not yet complete.
func (s *Store) MissingPieces() []int {
	var out []int
	for i := range s.pieces {
		if !s.IsComplete(i) {
			out = append(out, i)
		}
	}
	return out
}

// CompletionRatio returns the fraction (0..1) of pieces that are complete.
func (s *Store) CompletionRatio() float64 {
	if len(s.pieces) == 0 {
		return 1
	}
	done := 0
	for i := range s.pieces {
		if s.IsComplete(i) {
			done++
		}
	}
	return float64(done) / float64(len(s.pieces))
}

// BytesRemaining returns the total bytes left to download across all
// incomplete pieces.
func (s *Store) BytesRemaining() int64 {
	var remaining int64
	for i := range s.pieces {
		if !s.IsComplete(i) {
			remaining += s.torrent.PieceLen(i)
		}
	}
	return remaining
}

// Close releases pooled file handles.
func (s *Store) Close() error {
	s.pool.closeAll()
	return nil
}
