package piecestore

import (
	"container/list"
	"os"
	"sync"
)

// filePool is a small LRU-cached pool of read/write file handles. Reopening
// a file per write is correct (piece granularity keeps writes infrequent
// and large) but wasteful for multi-file torrents with many small files;
// the pool is strictly a performance optimization, as spec §9 notes —
// correctness comes entirely from the caller's per-piece serialization,
// since os.File.WriteAt/ReadAt do not share a cursor across callers.
type filePool struct {
	mu    sync.Mutex
	cap   int
	files map[string]*list.Element // path -> LRU element
	order *list.List               // front = most recently used
}

type pooledFile struct {
	path string
	f    *os.File
}

func newFilePool(capacity int) *filePool {
	return &filePool{
		cap:   capacity,
		files: make(map[string]*list.Element),
		order: list.New(),
	}
}

// open returns an open *os.File for path, creating it (mode 0644) if
// absent, and touching its LRU recency.
func (p *filePool) open(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, ok := p.files[path]; ok {
		p.order.MoveToFront(elem)
		return elem.Value.(*pooledFile).f, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	elem := p.order.PushFront(&pooledFile{path: path, f: f})
	p.files[path] = elem

	if p.order.Len() > p.cap {
		p.evictOldest()
	}
	return f, nil
}

func (p *filePool) evictOldest() {
	oldest := p.order.Back()
	if oldest == nil {
		return
	}
	pf := oldest.Value.(*pooledFile)
	p.order.Remove(oldest)
	delete(p.files, pf.path)
	pf.f.Close()
}

// closeAll closes every handle currently held by the pool.
func (p *filePool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.order.Front(); e != nil; e = e.Next() {
		e.Value.(*pooledFile).f.Close()
	}
	p.order.Init()
	p.files = make(map[string]*list.Element)
}
