package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkCache_GetPut(t *testing.T) {
	c := New(1024, 10)

	_, ok := c.Get("http://cdn/seg1.ts")
	assert.False(t, ok)

	c.Put("http://cdn/seg1.ts", []byte("abc"))
	got, ok := c.Get("http://cdn/seg1.ts")
	assert.True(t, ok)
	assert.Equal(t, []byte("abc"), got)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(3), c.Bytes())
}

func TestChunkCache_ByteBudgetEvictsOldestFirst(t *testing.T) {
	c := New(100, 100)

	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("seg%d", i), make([]byte, 30))
	}

	// 5*30 = 150 bytes inserted; the two oldest must be gone.
	assert.LessOrEqual(t, c.Bytes(), int64(100))
	assert.False(t, c.Has("seg0"))
	assert.False(t, c.Has("seg1"))
	assert.True(t, c.Has("seg2"))
	assert.True(t, c.Has("seg3"))
	assert.True(t, c.Has("seg4"))
}

func TestChunkCache_EntryCapEvicts(t *testing.T) {
	c := New(1<<20, 3)

	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("seg%d", i), []byte{byte(i)})
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Has("seg0"))
	assert.False(t, c.Has("seg1"))
	assert.True(t, c.Has("seg4"))
}

func TestChunkCache_OversizedChunkNotStored(t *testing.T) {
	c := New(10, 10)
	c.Put("big", make([]byte, 11))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Bytes())
}

func TestChunkCache_ReplaceKeepsPositionAndAdjustsBytes(t *testing.T) {
	c := New(1024, 10)
	c.Put("a", []byte("xx"))
	c.Put("b", []byte("yy"))
	c.Put("a", []byte("zzzz"))

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(6), c.Bytes())
	got, _ := c.Get("a")
	assert.Equal(t, []byte("zzzz"), got)
}

func TestChunkCache_Clear(t *testing.T) {
	c := New(1024, 10)
	c.Put("a", []byte("xx"))
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Bytes())
	assert.False(t, c.Has("a"))
}
