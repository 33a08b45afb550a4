// Package bucketing assigns partition buckets for wide audit tables so a
// single hot principal cannot concentrate writes on one partition.
package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

type Bucketer struct {
	eventBuckets int
	hasherPool   sync.Pool
}

const DefaultEventBuckets = 16

func NewBucketer(eventBuckets int) *Bucketer {
	if eventBuckets < 1 {
		eventBuckets = DefaultEventBuckets
	}
	b := &Bucketer{eventBuckets: eventBuckets}
	b.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return b
}

// EventBucket returns a consistent bucket in [0, eventBuckets) for the key.
func (b *Bucketer) EventBucket(key string) int {
	return int(b.sum(key) % uint64(b.eventBuckets))
}

// DateBucket returns the UTC date partition for an event time.
func (b *Bucketer) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (b *Bucketer) sum(key string) uint64 {
	h := b.hasherPool.Get().(hash.Hash64)
	defer b.hasherPool.Put(h)

	h.Reset()
	h.Write([]byte(key))
	return h.Sum64()
}
