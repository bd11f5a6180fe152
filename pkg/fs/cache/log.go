package cache

import (
	"encoding/binary"
	"fmt"

	"github.com/ja7ad/minikern/pkg/fs"
)

// logHeader mirrors the on-disk log header block: a count followed by
// the home block numbers of the logged slots.
type logHeader struct {
	numBlocks uint64
	blockNo   [LogMaxSize]uint32
}

func (c *Cache) readHeader() logHeader {
	buf := make([]byte, fs.BlockSize)
	c.dev.Read(c.logStart, buf)
	var h logHeader
	h.numBlocks = binary.LittleEndian.Uint64(buf[:8])
	if h.numBlocks > LogMaxSize {
		panic(fmt.Sprintf("cache: corrupt log header, %d entries", h.numBlocks))
	}
	for i := uint64(0); i < h.numBlocks; i++ {
		h.blockNo[i] = uint32(binary.LittleEndian.Uint64(buf[8+8*i:]))
	}
	return h
}

func (c *Cache) writeHeader() {
	buf := make([]byte, fs.BlockSize)
	binary.LittleEndian.PutUint64(buf[:8], c.header.numBlocks)
	for i := uint64(0); i < c.header.numBlocks; i++ {
		binary.LittleEndian.PutUint64(buf[8+8*i:], uint64(c.header.blockNo[i]))
	}
	c.dev.Write(c.logStart, buf)
}

// OpContext is a caller's transaction handle. The zero value is ready
// for BeginOp; BeginOp fully resets it for reuse.
type OpContext struct {
	bno  []uint32
	done chan struct{}
}

// BeginOp admits a transaction: it reserves OpMaxNumBlocks log slots,
// blocking on commit capacity until the reservation fits.
func (c *Cache) BeginOp(ctx *OpContext) {
	for {
		c.opAvailable.wait()
		c.opNumMu.Lock()
		if c.remainingLogNum >= OpMaxNumBlocks {
			c.remainingLogNum -= OpMaxNumBlocks
			if c.remainingLogNum >= OpMaxNumBlocks {
				c.opAvailable.post()
			}
			break
		}
		c.opNumMu.Unlock()
	}
	c.runningOpNum++
	c.opNumMu.Unlock()

	ctx.bno = make([]uint32, 0, OpMaxNumBlocks)
	ctx.done = make(chan struct{})
}

// Sync records a block write in the transaction and pins the block in
// the cache. A block the op already touched reuses its slot (local
// absorption). With a nil ctx the block goes straight to the device,
// bypassing the log.
//
// Exceeding OpMaxNumBlocks distinct blocks is a caller bug and fatal.
func (c *Cache) Sync(ctx *OpContext, b *Block) {
	if ctx == nil {
		c.deviceWrite(b)
		return
	}
	found := false
	for _, no := range ctx.bno {
		if no == b.blockNo {
			found = true
			break
		}
	}
	if !found {
		if len(ctx.bno) == OpMaxNumBlocks {
			panic(fmt.Sprintf("cache: op touched more than %d blocks", OpMaxNumBlocks))
		}
		ctx.bno = append(ctx.bno, b.blockNo)
	} else {
		c.log.Debug().Uint32("block", b.blockNo).Msg("local absorption")
	}
	c.mu.Lock()
	b.pinned = true
	c.mu.Unlock()
}

// EndOp merges the op's block list into the shared log (deduplicated —
// global absorption), returns unused reservations, and parks the op on
// the pending list. The last in-flight op performs the group commit;
// every EndOp returns only once its blocks are durable.
func (c *Cache) EndOp(ctx *OpContext) {
	c.logMu.Lock()
	absorbed := 0
	for _, no := range ctx.bno {
		dup := false
		for _, g := range c.logBno {
			if g == no {
				dup = true
				break
			}
		}
		if dup {
			absorbed++
			c.log.Debug().Uint32("block", no).Msg("global absorption")
			continue
		}
		if len(c.logBno) >= LogMaxSize {
			panic("cache: shared log overflow")
		}
		c.logBno = append(c.logBno, no)
	}
	c.logMu.Unlock()

	c.opHeadMu.Lock()
	c.pendingOps = append(c.pendingOps, ctx)
	c.opHeadMu.Unlock()

	c.opNumMu.Lock()
	reuse := OpMaxNumBlocks - (len(ctx.bno) - absorbed)
	c.remainingLogNum += reuse
	if c.remainingLogNum-reuse < OpMaxNumBlocks && c.remainingLogNum >= OpMaxNumBlocks {
		c.opAvailable.post()
	}
	c.runningOpNum--
	if c.runningOpNum == 0 {
		c.commit()
	}
	c.opNumMu.Unlock()

	<-ctx.done
	*ctx = OpContext{}
}

// commit flushes the shared log: payloads to the log area, then the
// header (the commit point), then the installs to the home locations,
// then the header is zeroed again. Runs under the admission lock so no
// new op can slip into the closing window; a single goroutine performs
// all commit I/O against a synchronous device, so program order alone
// separates the header write from the writes on either side of it.
func (c *Cache) commit() {
	c.logMu.Lock()
	n := len(c.logBno)
	c.log.Debug().Int("blocks", n).Msg("commit")

	bp := make([]*Block, n)
	for i, no := range c.logBno {
		b := c.Acquire(no)
		bp[i] = b
		c.dev.Write(c.logStart+1+uint32(i), b.data)
		c.header.blockNo[i] = no
	}

	c.header.numBlocks = uint64(n)
	c.writeHeader() // commit point

	for _, b := range bp {
		if !b.acquired {
			panic("cache: logged block lost its holder during install")
		}
		c.Sync(nil, b)
		c.mu.Lock()
		b.pinned = false
		b.valid = true
		c.mu.Unlock()
		c.Release(b)
	}

	c.opHeadMu.Lock()
	ops := c.pendingOps
	c.pendingOps = nil
	c.opHeadMu.Unlock()
	for _, op := range ops {
		close(op.done)
	}

	c.remainingLogNum = int(c.sb.NumLogBlocks)
	if c.remainingLogNum > LogMaxSize {
		c.remainingLogNum = LogMaxSize
	}
	if c.opAvailable.value() <= 0 {
		c.opAvailable.post()
	}
	c.logBno = c.logBno[:0]
	c.header = logHeader{}
	c.writeHeader()
	c.logMu.Unlock()
}
