package inventory

import (
	"github.com/bits-and-blooms/bloom/v3"

	"gitmesh/internal/crypto"
)

const (
	DefaultSeenCapacity = 1 << 16
	DefaultSeenFPRate   = 0.001
)

// SeenFilter remembers which entry ids were already relayed. It holds two
// bloom generations; Rotate drops the older one, so memory and false
// positive rate stay bounded and an entry may be relayed again two
// rotations later.
type SeenFilter struct {
	capacity uint
	fpRate   float64
	cur      *bloom.BloomFilter
	prev     *bloom.BloomFilter
	added    uint
}

func NewSeenFilter(capacity uint, fpRate float64) *SeenFilter {
	if capacity == 0 {
		capacity = DefaultSeenCapacity
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultSeenFPRate
	}
	return &SeenFilter{
		capacity: capacity,
		fpRate:   fpRate,
		cur:      bloom.NewWithEstimates(capacity, fpRate),
		prev:     bloom.NewWithEstimates(capacity, fpRate),
	}
}

func (f *SeenFilter) Test(id crypto.Digest) bool {
	return f.cur.Test(id[:]) || f.prev.Test(id[:])
}

// TestAndAdd records id and reports whether it may have been seen before.
// A full generation rotates early.
func (f *SeenFilter) TestAndAdd(id crypto.Digest) bool {
	hit := f.Test(id)
	if !hit {
		if f.added >= f.capacity {
			f.Rotate()
		}
		f.cur.Add(id[:])
		f.added++
	}
	return hit
}

func (f *SeenFilter) Rotate() {
	f.prev = f.cur
	f.cur = bloom.NewWithEstimates(f.capacity, f.fpRate)
	f.added = 0
}

// Added counts ids in the current generation.
func (f *SeenFilter) Added() uint { return f.added }
