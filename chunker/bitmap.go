package chunker

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Bitmap tracks per-chunk completion for one transfer. It serializes as a
// sorted JSON array of completed indices for the resume ledger.
type Bitmap struct {
	total int
	done  map[int]bool
}

// NewBitmap creates an empty completion bitmap for total chunks.
func NewBitmap(total int) *Bitmap {
	return &Bitmap{
		total: total,
		done:  make(map[int]bool),
	}
}

// Set marks one chunk complete. Out-of-range indices are rejected.
func (b *Bitmap) Set(index int) error {
	if index < 0 || index >= b.total {
		return fmt.Errorf("chunk index %d out of range [0,%d)", index, b.total)
	}
	b.done[index] = true
	return nil
}

// Has reports whether a chunk is complete.
func (b *Bitmap) Has(index int) bool {
	return b.done[index]
}

// Count returns the number of completed chunks.
func (b *Bitmap) Count() int {
	return len(b.done)
}

// Total returns the chunk count the bitmap was created for.
func (b *Bitmap) Total() int {
	return b.total
}

// Complete reports whether every chunk is done.
func (b *Bitmap) Complete() bool {
	return len(b.done) == b.total
}

// NextMissing returns the lowest incomplete chunk index, or total when the
// bitmap is complete.
func (b *Bitmap) NextMissing() int {
	for i := 0; i < b.total; i++ {
		if !b.done[i] {
			return i
		}
	}
	return b.total
}

// Indices returns the completed chunk indices in ascending order.
func (b *Bitmap) Indices() []int {
	out := make([]int, 0, len(b.done))
	for i := range b.done {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// MarshalJSON encodes the bitmap as a sorted index array.
func (b *Bitmap) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Indices())
}

// BitmapFromIndices rebuilds a bitmap from persisted indices. Indices outside
// [0,total) are dropped, which invalidates stale ledger entries gracefully.
func BitmapFromIndices(total int, indices []int) *Bitmap {
	b := NewBitmap(total)
	for _, i := range indices {
		if i >= 0 && i < total {
			b.done[i] = true
		}
	}
	return b
}

// DecodeBitmap parses the persisted JSON index array form.
func DecodeBitmap(total int, raw []byte) (*Bitmap, error) {
	if len(raw) == 0 {
		return NewBitmap(total), nil
	}
	var indices []int
	if err := json.Unmarshal(raw, &indices); err != nil {
		return nil, fmt.Errorf("decode completion bitmap: %w", err)
	}
	return BitmapFromIndices(total, indices), nil
}
