// Package fs holds the storage-facing interfaces under the block
// cache: the block device contract, an in-memory device for tests and
// demos, and the superblock describing the on-disk layout.
package fs

import (
	"fmt"
	"sync"
)

// BlockSize is the fixed device block size in bytes.
const BlockSize = 512

// BlockDevice is a synchronous fixed-size block device. I/O errors are
// fatal: implementations panic rather than return.
type BlockDevice interface {
	Read(blockNo uint32, buf []byte)
	Write(blockNo uint32, buf []byte)
}

// SuperBlock describes the on-disk layout: where the log header and
// log blocks live, where the allocation bitmap is, and how many blocks
// the device has in total.
type SuperBlock struct {
	LogStart     uint32
	NumLogBlocks uint32
	BitmapStart  uint32
	NumBlocks    uint32
}

// InMemDisk is a RAM-backed block device.
type InMemDisk struct {
	mu     sync.Mutex
	blocks [][]byte
}

// NewInMemDisk creates a zeroed device with the given block count.
func NewInMemDisk(numBlocks uint32) *InMemDisk {
	d := &InMemDisk{blocks: make([][]byte, numBlocks)}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, BlockSize)
	}
	return d
}

// Read copies block blockNo into buf.
func (d *InMemDisk) Read(blockNo uint32, buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.check(blockNo, buf)
	copy(buf, d.blocks[blockNo])
}

// Write copies buf into block blockNo.
func (d *InMemDisk) Write(blockNo uint32, buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.check(blockNo, buf)
	copy(d.blocks[blockNo], buf)
}

func (d *InMemDisk) check(blockNo uint32, buf []byte) {
	if int(blockNo) >= len(d.blocks) {
		panic(fmt.Sprintf("fs: block %d out of range (%d blocks)", blockNo, len(d.blocks)))
	}
	if len(buf) < BlockSize {
		panic(fmt.Sprintf("fs: short buffer (%d bytes) for block %d", len(buf), blockNo))
	}
}
