package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemDisk_Roundtrip(t *testing.T) {
	d := NewInMemDisk(8)
	in := make([]byte, BlockSize)
	for i := range in {
		in[i] = byte(i * 3)
	}
	d.Write(5, in)

	out := make([]byte, BlockSize)
	d.Read(5, out)
	assert.Equal(t, in, out)

	// A fresh block reads back zeroed.
	d.Read(3, out)
	for _, v := range out {
		require.Zero(t, v)
	}
}

func TestInMemDisk_OutOfRangePanics(t *testing.T) {
	d := NewInMemDisk(4)
	buf := make([]byte, BlockSize)
	require.Panics(t, func() { d.Read(4, buf) })
	require.Panics(t, func() { d.Write(9, buf) })
	require.Panics(t, func() { d.Read(0, buf[:10]) })
}
