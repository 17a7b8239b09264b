package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leech/bencode"
)

func singleFileTorrentBytes(announce, name string, content []byte, pieceLength int64) []byte {
	sum := sha1.Sum(content)
	info := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"length":       bencode.IntValue(int64(len(content))),
		"name":         bencode.StrValue([]byte(name)),
		"piece length": bencode.IntValue(pieceLength),
		"pieces":       bencode.StrValue(sum[:]),
	}}
	top := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"announce": bencode.StrValue([]byte(announce)),
		"info":     info,
	}}
	return bencode.Encode(top)
}

func TestLoadSingleFile(t *testing.T) {
	content := []byte("hello world")
	data := singleFileTorrentBytes("http://tracker.test/announce", "a.txt", content, int64(len(content)))

	tr, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", tr.Name)
	assert.Equal(t, int64(len(content)), tr.TotalLength)
	assert.Equal(t, 1, tr.NumPieces())
	require.Len(t, tr.Files, 1)
	assert.Equal(t, "a.txt", tr.Files[0].RelativePath)
	assert.Equal(t, "http://tracker.test/announce", tr.AnnouncePrimary)
}

func TestInfoHashIsStableAcrossOtherTopLevelFields(t *testing.T) {
	content := []byte("stability check")
	sum := sha1.Sum(content)
	info := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"length":       bencode.IntValue(int64(len(content))),
		"name":         bencode.StrValue([]byte("f")),
		"piece length": bencode.IntValue(int64(len(content))),
		"pieces":       bencode.StrValue(sum[:]),
	}}

	// Two top-levels with the same info dict but a different announce URL
	// and an extra comment field; the info-hash must depend only on the
	// info dict's bytes.
	top1 := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"announce": bencode.StrValue([]byte("http://a")),
		"info":     info,
	}}
	top2 := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"announce": bencode.StrValue([]byte("http://b")),
		"comment":  bencode.StrValue([]byte("unrelated")),
		"info":     info,
	}}

	t1, err := Load(bencode.Encode(top1))
	require.NoError(t, err)
	t2, err := Load(bencode.Encode(top2))
	require.NoError(t, err)
	assert.Equal(t, t1.InfoHash, t2.InfoHash)
}

func TestLoadMultiFile(t *testing.T) {
	fileA := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"length": bencode.IntValue(5),
		"path":   bencode.Value{Kind: bencode.List, List: []bencode.Value{bencode.StrValue([]byte("dir")), bencode.StrValue([]byte("a.bin"))}},
	}}
	fileB := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"length": bencode.IntValue(7),
		"path":   bencode.Value{Kind: bencode.List, List: []bencode.Value{bencode.StrValue([]byte("b.bin"))}},
	}}
	hash := make([]byte, 20)
	info := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"name":         bencode.StrValue([]byte("pkg")),
		"piece length": bencode.IntValue(16384),
		"pieces":       bencode.StrValue(hash),
		"files":        bencode.Value{Kind: bencode.List, List: []bencode.Value{fileA, fileB}},
	}}
	top := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"announce": bencode.StrValue([]byte("http://tracker.test/announce")),
		"info":     info,
	}}

	tr, err := Load(bencode.Encode(top))
	require.NoError(t, err)
	assert.Equal(t, int64(12), tr.TotalLength)
	require.Len(t, tr.Files, 2)
	assert.Equal(t, "dir/a.bin", tr.Files[0].RelativePath)
	assert.Equal(t, "b.bin", tr.Files[1].RelativePath)
}

func TestLoadRejectsPathTraversal(t *testing.T) {
	fileA := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"length": bencode.IntValue(5),
		"path":   bencode.Value{Kind: bencode.List, List: []bencode.Value{bencode.StrValue([]byte("..")), bencode.StrValue([]byte("evil"))}},
	}}
	info := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"name":         bencode.StrValue([]byte("pkg")),
		"piece length": bencode.IntValue(16384),
		"pieces":       bencode.StrValue(make([]byte, 20)),
		"files":        bencode.Value{Kind: bencode.List, List: []bencode.Value{fileA}},
	}}
	top := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"announce": bencode.StrValue([]byte("http://tracker.test/announce")),
		"info":     info,
	}}
	_, err := Load(bencode.Encode(top))
	assert.ErrorIs(t, err, ErrBadPath)
}

func TestLoadRejectsBadPiecesLength(t *testing.T) {
	info := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"name":         bencode.StrValue([]byte("f")),
		"length":       bencode.IntValue(1),
		"piece length": bencode.IntValue(1),
		"pieces":       bencode.StrValue(make([]byte, 19)),
	}}
	top := bencode.Value{Kind: bencode.Dict, Dict: map[string]bencode.Value{
		"announce": bencode.StrValue([]byte("http://tracker.test/announce")),
		"info":     info,
	}}
	_, err := Load(bencode.Encode(top))
	assert.ErrorIs(t, err, ErrBadPieces)
}

func TestPieceLenHandlesFinalShortPiece(t *testing.T) {
	content := make([]byte, 25)
	data := singleFileTorrentBytes("http://tracker.test/announce", "f", content, 10)
	// This torrent is malformed (one piece hash for 3 pieces worth of
	// data) but exercises PieceLen/PieceBounds arithmetic directly.
	tr, err := Load(data)
	require.NoError(t, err)
	tr.PieceHashes = make([][20]byte, 3)
	tr.TotalLength = 25
	assert.Equal(t, int64(10), tr.PieceLen(0))
	assert.Equal(t, int64(10), tr.PieceLen(1))
	assert.Equal(t, int64(5), tr.PieceLen(2))
}
