package cache

import (
	"container/list"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ja7ad/minikern/pkg/fs"
)

const (
	// OpMaxNumBlocks is the number of distinct blocks one op may touch.
	OpMaxNumBlocks = 10

	// LogMaxSize is the shared log capacity. The header must fit one
	// block: 8 bytes of count plus 8 per entry.
	LogMaxSize = (fs.BlockSize - 8) / 8

	defaultEvictionThreshold = 20
)

// Allocator carves the cache's block buffers. *mem.Slab satisfies it.
type Allocator interface {
	Alloc(size uint32) uint64
	Free(addr uint64)
	Bytes(addr uint64, n uint32) []byte
}

// Block is one cached device block.
type Block struct {
	blockNo  uint32
	dataAddr uint64
	data     []byte

	acquired bool // exactly one holder; guarded by the cache lock
	pinned   bool // referenced by an open or committing op
	pending  int  // acquirers waiting on the sleep lock
	valid    bool

	mu   sync.Mutex // sleep lock
	elem *list.Element
}

// BlockNo returns the device block number.
func (b *Block) BlockNo() uint32 { return b.blockNo }

// Data returns the block's buffer. Only the holder that acquired the
// block may touch it.
func (b *Block) Data() []byte { return b.data }

// Valid reports whether the buffer holds the device contents.
func (b *Block) Valid() bool { return b.valid }

// Config tunes the cache.
type Config struct {
	// EvictionThreshold is the cache high-water mark: after every
	// acquire the LRU tail is trimmed down toward it.
	EvictionThreshold int

	// Logger receives commit and absorption traces.
	Logger zerolog.Logger
}

// Cache is the block cache plus its write-ahead log.
type Cache struct {
	sb    *fs.SuperBlock
	dev   fs.BlockDevice
	alloc Allocator
	log   zerolog.Logger

	evictionThreshold int
	bmBno             uint32
	logStart          uint32

	mu  sync.Mutex // cache list lock
	lru *list.List // front is MRU

	opNumMu         sync.Mutex
	runningOpNum    int
	remainingLogNum int
	opAvailable     *sema

	opHeadMu   sync.Mutex
	pendingOps []*OpContext

	logMu  sync.Mutex
	logBno []uint32
	header logHeader
}

// New builds a cache over the device described by sb, replaying any
// committed-but-not-installed transaction the log header records.
func New(sb *fs.SuperBlock, dev fs.BlockDevice, alloc Allocator, cfg *Config) *Cache {
	if sb.NumBlocks > fs.BlockSize*8 {
		panic("cache: bitmap does not fit a single block")
	}
	c := &Cache{
		sb:                sb,
		dev:               dev,
		alloc:             alloc,
		log:               zerolog.Nop(),
		evictionThreshold: defaultEvictionThreshold,
		bmBno:             sb.BitmapStart,
		logStart:          sb.LogStart,
		lru:               list.New(),
		opAvailable:       newSema(1),
		logBno:            make([]uint32, 0, LogMaxSize),
	}
	if cfg != nil {
		if cfg.EvictionThreshold > 0 {
			c.evictionThreshold = cfg.EvictionThreshold
		}
		c.log = cfg.Logger
	}
	c.remainingLogNum = int(sb.NumLogBlocks)
	if c.remainingLogNum > LogMaxSize {
		c.remainingLogNum = LogMaxSize
	}
	if c.remainingLogNum < OpMaxNumBlocks {
		panic("cache: log cannot hold even one op's reservation")
	}

	c.replay()
	return c
}

// replay applies the on-disk log when its header names blocks, then
// zeroes the header. The header is the single durable commit record:
// nonzero means a commit happened but installs may be missing.
func (c *Cache) replay() {
	hdr := c.readHeader()
	if hdr.numBlocks > 0 {
		c.log.Info().Uint64("blocks", hdr.numBlocks).Msg("replaying log")
		buf := make([]byte, fs.BlockSize)
		for i := uint64(0); i < hdr.numBlocks; i++ {
			c.dev.Read(c.logStart+1+uint32(i), buf)
			c.dev.Write(hdr.blockNo[i], buf)
		}
	}
	c.header = logHeader{}
	c.writeHeader()
}

func (c *Cache) deviceRead(b *Block)  { c.dev.Read(b.blockNo, b.data) }
func (c *Cache) deviceWrite(b *Block) { c.dev.Write(b.blockNo, b.data) }

// findLocked walks the LRU list for blockNo. Cache lock held.
func (c *Cache) findLocked(blockNo uint32) *Block {
	for e := c.lru.Front(); e != nil; e = e.Next() {
		if b := e.Value.(*Block); b.blockNo == blockNo {
			return b
		}
	}
	return nil
}

// Acquire brings blockNo into the cache and takes its sleep lock. A
// cached block is waited on (pending keeps it from being evicted while
// we sleep); a missing block is read from the device. The block moves
// to MRU and the tail is trimmed toward the eviction threshold.
func (c *Cache) Acquire(blockNo uint32) *Block {
	c.mu.Lock()
	if b := c.findLocked(blockNo); b != nil {
		b.pending++
		c.mu.Unlock()
		b.mu.Lock()
		c.mu.Lock()
		b.pending--
		if b.acquired {
			panic("cache: sleep lock granted while still acquired")
		}
		b.acquired = true
		c.lru.MoveToFront(b.elem)
		c.evictLocked()
		c.mu.Unlock()
		return b
	}

	addr := c.alloc.Alloc(fs.BlockSize)
	b := &Block{blockNo: blockNo, dataAddr: addr, data: c.alloc.Bytes(addr, fs.BlockSize)}
	c.deviceRead(b)
	b.valid = true
	b.acquired = true
	b.mu.Lock()
	b.elem = c.lru.PushFront(b)
	c.evictLocked()
	c.mu.Unlock()
	return b
}

// Release drops the holder's claim and wakes the next waiter.
func (c *Cache) Release(b *Block) {
	c.mu.Lock()
	b.acquired = false
	c.mu.Unlock()
	b.mu.Unlock()
}

// evictLocked trims the LRU tail while the cache is over threshold.
// Only blocks nobody holds, waits on, or has pinned are evictable.
// Cache lock held.
func (c *Cache) evictLocked() {
	for c.lru.Len() > c.evictionThreshold {
		var victim *Block
		for e := c.lru.Back(); e != nil; e = e.Prev() {
			b := e.Value.(*Block)
			if !b.acquired && !b.pinned && b.pending == 0 {
				victim = b
				break
			}
		}
		if victim == nil {
			return
		}
		c.lru.Remove(victim.elem)
		c.alloc.Free(victim.dataAddr)
		c.log.Debug().Uint32("block", victim.blockNo).Msg("evict")
	}
}

// NumCached reports the number of blocks in the cache.
func (c *Cache) NumCached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
