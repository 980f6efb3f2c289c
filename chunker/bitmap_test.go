package chunker

import (
	"encoding/json"
	"testing"
)

func TestBitmapNextMissingAndComplete(t *testing.T) {
	b := NewBitmap(4)

	if b.NextMissing() != 0 {
		t.Fatalf("expected first missing chunk 0, got %d", b.NextMissing())
	}

	for _, idx := range []int{0, 2, 3} {
		if err := b.Set(idx); err != nil {
			t.Fatalf("Set(%d) failed: %v", idx, err)
		}
	}
	if b.NextMissing() != 1 {
		t.Fatalf("expected next missing chunk 1, got %d", b.NextMissing())
	}
	if b.Complete() {
		t.Fatalf("bitmap reported complete with chunk 1 missing")
	}

	if err := b.Set(1); err != nil {
		t.Fatalf("Set(1) failed: %v", err)
	}
	if !b.Complete() {
		t.Fatalf("bitmap not complete after all chunks set")
	}
	if b.NextMissing() != 4 {
		t.Fatalf("expected NextMissing == total when complete, got %d", b.NextMissing())
	}
}

func TestBitmapRejectsOutOfRange(t *testing.T) {
	b := NewBitmap(2)
	if err := b.Set(2); err == nil {
		t.Fatalf("expected error for out-of-range index")
	}
	if err := b.Set(-1); err == nil {
		t.Fatalf("expected error for negative index")
	}
}

func TestBitmapJSONRoundTrip(t *testing.T) {
	b := NewBitmap(10)
	for _, idx := range []int{7, 1, 4} {
		if err := b.Set(idx); err != nil {
			t.Fatalf("Set(%d) failed: %v", idx, err)
		}
	}

	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal bitmap: %v", err)
	}
	if string(raw) != "[1,4,7]" {
		t.Fatalf("unexpected bitmap encoding: %s", raw)
	}

	decoded, err := DecodeBitmap(10, raw)
	if err != nil {
		t.Fatalf("decode bitmap: %v", err)
	}
	if decoded.Count() != 3 || !decoded.Has(7) || decoded.Has(0) {
		t.Fatalf("decoded bitmap differs: indices=%v", decoded.Indices())
	}
}

func TestDecodeBitmapDropsStaleIndices(t *testing.T) {
	decoded, err := DecodeBitmap(3, []byte("[0,1,2,9]"))
	if err != nil {
		t.Fatalf("decode bitmap: %v", err)
	}
	if decoded.Count() != 3 || decoded.Has(9) {
		t.Fatalf("stale index survived decode: %v", decoded.Indices())
	}
}
