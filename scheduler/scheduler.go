// Package scheduler decides which (piece, block) requests a peer session
// should issue next, given the pieces that peer advertises, the pieces
// already in flight with it, and its outstanding-request budget.
package scheduler

import "leech/message"

// BlockSize is the fixed request/piece granularity.
const BlockSize = message.BlockSize

// PerCallCap bounds how many requests a single PickRequests call returns.
const PerCallCap = 5

// PerSessionCap bounds how many requests may be outstanding on one session
// at once; FreeSlots on a PeerView should never report more room than
// this minus the session's current outstanding count.
const PerSessionCap = 10

// BlockRequest is one (piece, offset, length) request to send on the wire.
type BlockRequest struct {
	PieceIndex  int
	BlockOffset int
	BlockLength int
}

// PeerView is the view of a peer session the scheduler needs. It is
// satisfied by *session.Session; defining it here (rather than importing
// the session package) avoids a scheduler<->session import cycle, since
// session.Session.pump calls into the scheduler.
type PeerView interface {
	HasPiece(index int) bool
	IsOutstanding(pieceIndex, blockOffset int) bool
	FreeSlots() int
	InFlightPieces() []int
}

// PieceView is the view of the piece store the scheduler needs.
type PieceView interface {
	NumPieces() int
	IsComplete(index int) bool
	PieceLen(index int) int64
	HasBlock(pieceIndex, blockOffset int) bool
}

// PickRequests selects up to min(peer.FreeSlots(), PerCallCap) new block
// requests for peer, per spec §4.4:
//  1. only pieces the peer has and that are not complete are considered;
//  2. pieces already in flight with this session are preferred over
//     fresh ones; among fresh pieces, the lowest-index missing piece the
//     peer has is picked;
//  3. within a piece, blocks are requested in ascending offset order,
//     skipping offsets already outstanding on this session or already
//     delivered by any session;
//  4. the final block's length is whatever remains of the piece.
func PickRequests(peer PeerView, store PieceView) []BlockRequest {
	limit := peer.FreeSlots()
	if limit <= 0 {
		return nil
	}
	if limit > PerCallCap {
		limit = PerCallCap
	}

	var out []BlockRequest
	considered := make(map[int]bool)

	for _, idx := range peer.InFlightPieces() {
		if len(out) >= limit {
			return out
		}
		if considered[idx] || store.IsComplete(idx) || !peer.HasPiece(idx) {
			continue
		}
		considered[idx] = true
		out = appendPieceRequests(out, idx, limit, peer, store)
	}

	for idx := 0; idx < store.NumPieces() && len(out) < limit; idx++ {
		if considered[idx] || store.IsComplete(idx) || !peer.HasPiece(idx) {
			continue
		}
		considered[idx] = true
		out = appendPieceRequests(out, idx, limit, peer, store)
	}

	return out
}

func appendPieceRequests(out []BlockRequest, pieceIndex, limit int, peer PeerView, store PieceView) []BlockRequest {
	pieceLen := store.PieceLen(pieceIndex)
	for offset := int64(0); offset < pieceLen && len(out) < limit; offset += BlockSize {
		blockLen := int64(BlockSize)
		if offset+blockLen > pieceLen {
			blockLen = pieceLen - offset
		}
		if peer.IsOutstanding(pieceIndex, int(offset)) || store.HasBlock(pieceIndex, int(offset)) {
			continue
		}
		out = append(out, BlockRequest{
			PieceIndex:  pieceIndex,
			BlockOffset: int(offset),
			BlockLength: int(blockLen),
		})
	}
	return out
}
