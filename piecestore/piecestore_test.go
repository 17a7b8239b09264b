package piecestore

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leech/metainfo"
)

func singlePieceTorrent(content []byte) *metainfo.Torrent {
	sum := sha1.Sum(content)
	return &metainfo.Torrent{
		PieceLength: int64(len(content)),
		PieceHashes: [][20]byte{sum},
		TotalLength: int64(len(content)),
		Files:       []metainfo.File{{RelativePath: "a.bin", Length: int64(len(content))}},
		Name:        "a.bin",
	}
}

func TestStoreBlockAssemblesOutOfOrderBlocks(t *testing.T) {
	content := make([]byte, BlockSize*2+100)
	for i := range content {
		content[i] = byte(i)
	}
	tr := singlePieceTorrent(content)
	dir := t.TempDir()
	store, err := Open(tr, dir, nil)
	require.NoError(t, err)
	defer store.Close()

	// Deliver the three blocks out of order.
	outcome, err := store.StoreBlock(0, BlockSize, content[BlockSize:BlockSize*2])
	require.NoError(t, err)
	assert.Equal(t, AcceptedPartial, outcome)

	outcome, err = store.StoreBlock(0, BlockSize*2, content[BlockSize*2:])
	require.NoError(t, err)
	assert.Equal(t, AcceptedPartial, outcome)

	outcome, err = store.StoreBlock(0, 0, content[:BlockSize])
	require.NoError(t, err)
	assert.Equal(t, PieceComplete, outcome)

	assert.True(t, store.IsComplete(0))
	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStoreBlockRejectsHashMismatch(t *testing.T) {
	content := make([]byte, BlockSize)
	tr := singlePieceTorrent(content)
	dir := t.TempDir()
	store, err := Open(tr, dir, nil)
	require.NoError(t, err)
	defer store.Close()

	corrupt := make([]byte, BlockSize)
	corrupt[0] = 0xFF

	outcome, err := store.StoreBlock(0, 0, corrupt)
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome)
	assert.False(t, store.IsComplete(0))

	// The piece must be requestable again after rejection.
	outcome, err = store.StoreBlock(0, 0, content)
	require.NoError(t, err)
	assert.Equal(t, PieceComplete, outcome)
}

func TestStoreBlockDuplicateDeliveryIsHarmless(t *testing.T) {
	content := make([]byte, BlockSize)
	tr := singlePieceTorrent(content)
	store, err := Open(tr, t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	outcome, err := store.StoreBlock(0, 0, content)
	require.NoError(t, err)
	assert.Equal(t, PieceComplete, outcome)

	outcome, err = store.StoreBlock(0, 0, content)
	require.NoError(t, err)
	assert.Equal(t, AcceptedPartial, outcome)
}

func TestReadReturnsNilForIncompletePiece(t *testing.T) {
	content := make([]byte, BlockSize)
	tr := singlePieceTorrent(content)
	store, err := Open(tr, t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	data, err := store.Read(0, 0, 10)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestFileSpanningWriteAndRead(t *testing.T) {
	// Two files of 7 and 9 bytes; one piece of length 16 straddles both.
	tr := &metainfo.Torrent{
		PieceLength: 16,
		TotalLength: 16,
		Files: []metainfo.File{
			{RelativePath: "first.bin", Length: 7},
			{RelativePath: "second.bin", Length: 9},
		},
		Name: "pkg",
	}
	content := make([]byte, 16)
	for i := range content {
		content[i] = byte(i + 1)
	}
	sum := sha1.Sum(content)
	tr.PieceHashes = [][20]byte{sum}

	dir := t.TempDir()
	store, err := Open(tr, dir, nil)
	require.NoError(t, err)
	defer store.Close()

	outcome, err := store.StoreBlock(0, 0, content)
	require.NoError(t, err)
	assert.Equal(t, PieceComplete, outcome)

	first, err := os.ReadFile(filepath.Join(dir, "first.bin"))
	require.NoError(t, err)
	assert.Equal(t, content[:7], first)

	second, err := os.ReadFile(filepath.Join(dir, "second.bin"))
	require.NoError(t, err)
	assert.Equal(t, content[7:], second)

	readBack, err := store.Read(0, 3, 8)
	require.NoError(t, err)
	assert.Equal(t, content[3:11], readBack)
}

func TestBytesRemainingAndCompletionRatio(t *testing.T) {
	content := make([]byte, BlockSize)
	tr := singlePieceTorrent(content)
	store, err := Open(tr, t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, float64(0), store.CompletionRatio())
	assert.Equal(t, int64(BlockSize), store.BytesRemaining())

	_, err = store.StoreBlock(0, 0, content)
	require.NoError(t, err)
	assert.Equal(t, float64(1), store.CompletionRatio())
	assert.Equal(t, int64(0), store.BytesRemaining())
}

func TestOpenResumesExistingFileWithoutTruncating(t *testing.T) {
	content := make([]byte, BlockSize)
	tr := singlePieceTorrent(content)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), content, 0o644))

	store, err := Open(tr, dir, nil)
	require.NoError(t, err)
	defer store.Close()

	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
