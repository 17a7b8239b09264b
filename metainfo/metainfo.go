// Package metainfo parses a BEP 3 metainfo (".torrent") descriptor into a
// normalized, immutable Torrent record and derives its info-hash.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"path"
	"strings"

	"leech/bencode"
)

// Error kinds, per spec §4.2 / §7's "parse" taxonomy entry.
var (
	ErrMalformedBencode = fmt.Errorf("metainfo: malformed bencode")
	ErrMissingKey       = fmt.Errorf("metainfo: missing required key")
	ErrBadPieces        = fmt.Errorf("metainfo: pieces length not a multiple of 20")
	ErrBadFileLength    = fmt.Errorf("metainfo: negative file length")
	ErrBadPath          = fmt.Errorf("metainfo: invalid file path component")
)

const hashLen = 20

// File describes one constituent file of the torrent's logical byte
// space, in declared order.
type File struct {
	RelativePath string
	Length       int64
}

// Torrent is the normalized, immutable-after-load record spec §3 defines.
type Torrent struct {
	InfoHash        [20]byte
	PieceLength     int64
	PieceHashes     [][20]byte
	TotalLength     int64
	Files           []File
	AnnouncePrimary string
	AnnounceTiers   [][]string

	Name         string
	Comment      string
	CreatedBy    string
	CreationDate int64
}

// NumPieces returns N, the number of pieces.
func (t *Torrent) NumPieces() int { return len(t.PieceHashes) }

// PieceBounds returns the half-open absolute byte range [begin, end) piece
// i occupies in the logical file-concatenation layout.
func (t *Torrent) PieceBounds(i int) (begin, end int64) {
	begin = int64(i) * t.PieceLength
	end = begin + t.PieceLength
	if end > t.TotalLength {
		end = t.TotalLength
	}
	return begin, end
}

// PieceLen returns piece i's length: PieceLength for every piece but the
// last, whose length is whatever remains.
func (t *Torrent) PieceLen(i int) int64 {
	begin, end := t.PieceBounds(i)
	return end - begin
}

// Load parses a metainfo byte sequence into a Torrent record.
func Load(data []byte) (*Torrent, error) {
	top, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBencode, err)
	}
	if top.Kind != bencode.Dict {
		return nil, fmt.Errorf("%w: top-level value is not a dict", ErrMalformedBencode)
	}

	announce, ok := top.FieldString("announce")
	if !ok {
		return nil, fmt.Errorf("%w: announce", ErrMissingKey)
	}

	info, ok := top.Field("info")
	if !ok || info.Kind != bencode.Dict {
		return nil, fmt.Errorf("%w: info", ErrMissingKey)
	}

	pieceLength, ok := info.FieldInt("piece length")
	if !ok {
		return nil, fmt.Errorf("%w: info.piece length", ErrMissingKey)
	}
	piecesRaw, ok := info.FieldString("pieces")
	if !ok {
		return nil, fmt.Errorf("%w: info.pieces", ErrMissingKey)
	}
	if len(piecesRaw)%hashLen != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrBadPieces, len(piecesRaw))
	}
	name, ok := info.FieldString("name")
	if !ok {
		return nil, fmt.Errorf("%w: info.name", ErrMissingKey)
	}

	files, total, err := resolveFiles(info, string(name))
	if err != nil {
		return nil, err
	}

	pieceHashes := make([][20]byte, len(piecesRaw)/hashLen)
	for i := range pieceHashes {
		copy(pieceHashes[i][:], piecesRaw[i*hashLen:(i+1)*hashLen])
	}

	primary, tiers := announceTiers(top, string(announce))

	t := &Torrent{
		InfoHash:        sha1.Sum(info.Raw),
		PieceLength:     pieceLength,
		PieceHashes:     pieceHashes,
		TotalLength:     total,
		Files:           files,
		AnnouncePrimary: primary,
		AnnounceTiers:   tiers,
		Name:            string(name),
	}
	if c, ok := top.FieldString("comment"); ok {
		t.Comment = string(c)
	}
	if c, ok := top.FieldString("created by"); ok {
		t.CreatedBy = string(c)
	}
	if c, ok := top.FieldInt("creation date"); ok {
		t.CreationDate = c
	}
	return t, nil
}

// resolveFiles builds the normalized file list. Single-file torrents (an
// info.length key) synthesize a one-element list named after info.name;
// multi-file torrents (an info.files list) join each entry's path
// components, rejecting absolute, empty, or ".."-containing segments.
func resolveFiles(info bencode.Value, name string) ([]File, int64, error) {
	if length, ok := info.FieldInt("length"); ok {
		if length < 0 {
			return nil, 0, fmt.Errorf("%w: %d", ErrBadFileLength, length)
		}
		return []File{{RelativePath: name, Length: length}}, length, nil
	}

	filesVal, ok := info.Field("files")
	if !ok || filesVal.Kind != bencode.List {
		return nil, 0, fmt.Errorf("%w: info.length or info.files", ErrMissingKey)
	}

	files := make([]File, 0, len(filesVal.List))
	var total int64
	for _, entry := range filesVal.List {
		length, ok := entry.FieldInt("length")
		if !ok {
			return nil, 0, fmt.Errorf("%w: files[].length", ErrMissingKey)
		}
		if length < 0 {
			return nil, 0, fmt.Errorf("%w: %d", ErrBadFileLength, length)
		}
		pathVal, ok := entry.Field("path")
		if !ok || pathVal.Kind != bencode.List || len(pathVal.List) == 0 {
			return nil, 0, fmt.Errorf("%w: files[].path", ErrMissingKey)
		}
		rel, err := joinPath(pathVal.List)
		if err != nil {
			return nil, 0, err
		}
		files = append(files, File{RelativePath: rel, Length: length})
		total += length
	}
	return files, total, nil
}

func joinPath(components []bencode.Value) (string, error) {
	parts := make([]string, 0, len(components))
	for _, c := range components {
		if c.Kind != bencode.String {
			return "", fmt.Errorf("%w: path component is not a string", ErrBadPath)
		}
		s := string(c.Str)
		if s == "" || s == "." || s == ".." {
			return "", fmt.Errorf("%w: %q", ErrBadPath, s)
		}
		if path.IsAbs(s) || strings.Contains(s, "..") {
			return "", fmt.Errorf("%w: %q", ErrBadPath, s)
		}
		parts = append(parts, s)
	}
	return path.Join(parts...), nil
}

// announceTiers derives the primary announce URL and the ordered
// announce-list tiers (BEP 12), falling back to a single tier containing
// just the primary announce URL when announce-list is absent.
func announceTiers(top bencode.Value, primary string) (string, [][]string) {
	listVal, ok := top.Field("announce-list")
	if !ok || listVal.Kind != bencode.List {
		return primary, [][]string{{primary}}
	}
	tiers := make([][]string, 0, len(listVal.List))
	for _, tierVal := range listVal.List {
		if tierVal.Kind != bencode.List {
			continue
		}
		tier := make([]string, 0, len(tierVal.List))
		for _, urlVal := range tierVal.List {
			if urlVal.Kind == bencode.String {
				tier = append(tier, string(urlVal.Str))
			}
		}
		if len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}
	if len(tiers) == 0 {
		return primary, [][]string{{primary}}
	}
	return primary, tiers
}
