package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jacktea/gcsfs/pkg/xerrors"
)

// Signature identifies a single version of a remote file. Any change to any
// component invalidates every cached block of that file.
type Signature struct {
	Length     int64
	MtimeNanos int64
	Generation int64
}

// BlockFetcher reads up to len(dst) bytes of filename starting at offset
// from the origin and reports how many bytes were transferred. A short
// count without error means the file ends inside the block.
type BlockFetcher func(ctx context.Context, filename string, offset int64, dst []byte) (int, error)

// BlockCache caches fixed-size, block-aligned slices of remote files.
// Blocks are keyed by (filename, aligned offset) and grouped per file under
// the signature the origin reported when they were fetched. The cache holds
// at most maxBytes of block data, evicting whole blocks in LRU order.
type BlockCache struct {
	blockSize    int64
	maxBytes     int64
	maxStaleness time.Duration
	fetch        BlockFetcher
	now          func() time.Time

	mu         sync.Mutex
	files      map[string]*fileRecord
	lru        *list.List
	totalBytes int64
	sf         singleflight.Group
}

type fileRecord struct {
	sig      Signature
	inserted time.Time
	blocks   map[int64]*list.Element
}

type block struct {
	filename string
	offset   int64
	data     []byte
}

// NewBlockCache builds a cache of blockSize-aligned blocks holding at most
// maxBytes. A positive maxStaleness discards a file's blocks that long
// after they were first cached, regardless of signature.
func NewBlockCache(blockSize, maxBytes int64, maxStaleness time.Duration, fetch BlockFetcher) *BlockCache {
	return &BlockCache{
		blockSize:    blockSize,
		maxBytes:     maxBytes,
		maxStaleness: maxStaleness,
		fetch:        fetch,
		now:          time.Now,
		files:        make(map[string]*fileRecord),
		lru:          list.New(),
	}
}

// BlockSize returns the configured block size in bytes.
func (c *BlockCache) BlockSize() int64 { return c.blockSize }

// CacheSize returns the number of block bytes currently held.
func (c *BlockCache) CacheSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// ReadAt copies up to len(dst) bytes of filename starting at offset into
// dst, fetching missing blocks from the origin. sig is the file signature
// the caller observed; blocks cached under a different signature are purged
// first. A shortfall against len(dst) returns the bytes assembled so far
// together with an out-of-range error. A short block that ends before
// sig.Length reports an internal error instead.
func (c *BlockCache) ReadAt(ctx context.Context, filename string, offset int64, dst []byte, sig Signature) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	c.refreshRecordLocked(filename, sig)
	c.mu.Unlock()

	total := 0
	for pos := offset / c.blockSize * c.blockSize; total < len(dst); pos += c.blockSize {
		data, err := c.blockFor(ctx, filename, sig, pos)
		if err != nil {
			return total, err
		}
		begin := int64(0)
		if pos < offset {
			begin = offset - pos
		}
		if begin < int64(len(data)) {
			total += copy(dst[total:], data[begin:])
		}
		if int64(len(data)) < c.blockSize {
			// Short block: the file ends inside it, unless the signature
			// still claims bytes beyond it.
			if pos+int64(len(data)) < sig.Length {
				return total, xerrors.Errorf(xerrors.KindInternal,
					"File contents are inconsistent for file: %s @ %d", filename, offset)
			}
			break
		}
	}
	if total < len(dst) {
		return total, xerrors.Errorf(xerrors.KindOutOfRange,
			"EOF reached, %d bytes were read out of %d bytes requested", total, len(dst))
	}
	return total, nil
}

// Invalidate erases all records and blocks held for filename.
func (c *BlockCache) Invalidate(filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(filename)
}

// Clear resets the cache.
func (c *BlockCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = make(map[string]*fileRecord)
	c.lru = list.New()
	c.totalBytes = 0
}

// refreshRecordLocked ensures the record for filename carries sig, purging
// stale or mismatching blocks.
func (c *BlockCache) refreshRecordLocked(filename string, sig Signature) *fileRecord {
	rec := c.files[filename]
	if rec != nil {
		stale := c.maxStaleness > 0 && c.now().Sub(rec.inserted) > c.maxStaleness
		if rec.sig != sig || stale {
			c.purgeLocked(filename)
			rec = nil
		}
	}
	if rec == nil {
		rec = &fileRecord{sig: sig, inserted: c.now(), blocks: make(map[int64]*list.Element)}
		c.files[filename] = rec
	}
	return rec
}

// blockFor returns the block of filename at the aligned offset, fetching it
// if absent. Concurrent callers for the same missing block share a single
// origin request.
func (c *BlockCache) blockFor(ctx context.Context, filename string, sig Signature, aligned int64) ([]byte, error) {
	c.mu.Lock()
	if rec, ok := c.files[filename]; ok && rec.sig == sig {
		if ele, ok := rec.blocks[aligned]; ok {
			c.lru.MoveToFront(ele)
			data := ele.Value.(*block).data
			c.mu.Unlock()
			return data, nil
		}
	}
	c.mu.Unlock()

	key := fmt.Sprintf("%s@%d", filename, aligned)
	v, err, _ := c.sf.Do(key, func() (any, error) {
		c.mu.Lock()
		if rec, ok := c.files[filename]; ok && rec.sig == sig {
			if ele, ok := rec.blocks[aligned]; ok {
				c.lru.MoveToFront(ele)
				data := ele.Value.(*block).data
				c.mu.Unlock()
				return data, nil
			}
		}
		c.mu.Unlock()
		buf := make([]byte, c.blockSize)
		n, err := c.fetch(ctx, filename, aligned, buf)
		if err != nil {
			return nil, err
		}
		data := buf[:n:n]
		c.install(filename, sig, aligned, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// install caches data under (filename, aligned) provided the file record
// still carries sig, then evicts LRU blocks past the byte budget.
func (c *BlockCache) install(filename string, sig Signature, aligned int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.files[filename]
	if !ok || rec.sig != sig {
		// The file was invalidated while the fetch was in flight; serve the
		// bytes to the waiting callers without caching them.
		return
	}
	if ele, ok := rec.blocks[aligned]; ok {
		c.removeElementLocked(ele)
	}
	ele := c.lru.PushFront(&block{filename: filename, offset: aligned, data: data})
	rec.blocks[aligned] = ele
	c.totalBytes += int64(len(data))
	for c.totalBytes > c.maxBytes {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeElementLocked(back)
	}
}

func (c *BlockCache) purgeLocked(filename string) {
	rec, ok := c.files[filename]
	if !ok {
		return
	}
	for _, ele := range rec.blocks {
		c.lru.Remove(ele)
		c.totalBytes -= int64(len(ele.Value.(*block).data))
	}
	delete(c.files, filename)
}

func (c *BlockCache) removeElementLocked(ele *list.Element) {
	b := ele.Value.(*block)
	c.lru.Remove(ele)
	c.totalBytes -= int64(len(b.data))
	if rec, ok := c.files[b.filename]; ok {
		delete(rec.blocks, b.offset)
		if len(rec.blocks) == 0 {
			delete(c.files, b.filename)
		}
	}
}
