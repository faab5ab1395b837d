package exporter

import (
	"sort"
	"time"

	"github.com/zhangyunhao116/skipmap"
)

// Details is what the projection remembers about a running workflow instance
// between records.
type Details struct {
	Vin           string
	StartTS       int64
	ErrorCode     string
	ErrorPath     string
	ErrorMessage  string
	ErrorCategory string

	lastSeen time.Time
}

func (d *Details) IsError() bool {
	return d.ErrorCode != "" || d.ErrorPath != "" || d.ErrorMessage != "" || d.ErrorCategory != ""
}

// Correlations maps workflow instance keys to their details. Entries leave
// when the instance ends, when unseen for ttl, or oldest first once the map
// grows past max.
type Correlations struct {
	entries *skipmap.FuncMap[int64, *Details]
	ttl     time.Duration
	max     int
	now     func() time.Time
}

func NewCorrelations(ttl time.Duration, max int) *Correlations {
	return &Correlations{
		entries: skipmap.NewFunc[int64, *Details](func(a, b int64) bool {
			return a < b
		}),
		ttl: ttl,
		max: max,
		now: time.Now,
	}
}

func (c *Correlations) Get(key int64) (*Details, bool) {
	d, ok := c.entries.Load(key)
	if ok {
		d.lastSeen = c.now()
	}
	return d, ok
}

// GetOrCreate returns the entry for key, creating an empty one if needed.
func (c *Correlations) GetOrCreate(key int64) *Details {
	d, _ := c.entries.LoadOrStore(key, &Details{})
	d.lastSeen = c.now()
	return d
}

func (c *Correlations) Put(key int64, d *Details) {
	d.lastSeen = c.now()
	c.entries.Store(key, d)
}

func (c *Correlations) Evict(key int64) {
	c.entries.Delete(key)
}

func (c *Correlations) Len() int {
	return c.entries.Len()
}

// Sweep drops expired entries and then the least recently seen ones above
// max. It returns how many entries were removed.
func (c *Correlations) Sweep() int {
	type seen struct {
		key int64
		at  time.Time
	}

	now := c.now()
	removed := 0
	var alive []seen
	c.entries.Range(func(key int64, d *Details) bool {
		if c.ttl > 0 && now.Sub(d.lastSeen) > c.ttl {
			c.entries.Delete(key)
			removed++
			return true
		}
		alive = append(alive, seen{key: key, at: d.lastSeen})
		return true
	})

	if c.max > 0 && len(alive) > c.max {
		sort.Slice(alive, func(i, j int) bool { return alive[i].at.Before(alive[j].at) })
		for _, s := range alive[:len(alive)-c.max] {
			c.entries.Delete(s.key)
			removed++
		}
	}
	return removed
}
