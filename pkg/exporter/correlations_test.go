package exporter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCorrelations_SweepByTTL(t *testing.T) {
	clock := &manualClock{t: time.Unix(1000, 0)}
	c := NewCorrelations(time.Minute, 0)
	c.now = clock.now

	c.Put(1, &Details{Vin: "a"})
	clock.advance(30 * time.Second)
	c.Put(2, &Details{Vin: "b"})
	clock.advance(45 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	_, ok := c.Get(1)
	assert.False(t, ok)
	d, ok := c.Get(2)
	require.True(t, ok)
	assert.Equal(t, "b", d.Vin)
}

func TestCorrelations_SweepByMaxDropsLeastRecent(t *testing.T) {
	clock := &manualClock{t: time.Unix(1000, 0)}
	c := NewCorrelations(0, 2)
	c.now = clock.now

	for key := int64(1); key <= 4; key++ {
		c.Put(key, &Details{})
		clock.advance(time.Second)
	}
	// 1 снова использован и становится свежим
	c.GetOrCreate(1)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	assert.True(t, ok)
	_, ok = c.Get(4)
	assert.True(t, ok)
}

func TestCorrelations_GetOrCreate(t *testing.T) {
	c := NewCorrelations(time.Minute, 10)
	d := c.GetOrCreate(5)
	d.ErrorCode = "X"

	again := c.GetOrCreate(5)
	assert.Same(t, d, again)
	assert.True(t, again.IsError())

	c.Evict(5)
	assert.Equal(t, 0, c.Len())
}
