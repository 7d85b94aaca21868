package engine

import (
	"testing"

	"github.com/23skdu/longbow-quarrel/internal/config"
)

func testHparams() config.Hyperparameters {
	return config.Hyperparameters{
		VocabSize:   32,
		ContextSize: 8,
		EmbdSize:    4,
		Heads:       2,
		Layers:      2,
	}
}

func TestNewCacheRejectsZeroHeads(t *testing.T) {
	h := testHparams()
	h.Heads = 0
	if _, err := NewCache(h, false); err == nil {
		t.Fatal("expected error for zero heads")
	}
}

func TestCacheWriteReadK(t *testing.T) {
	h := testHparams()
	c, err := NewCache(h, false)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	data := []float32{1, 2, 3, 4}
	c.WriteK(0, 0, 1, data)
	got := c.ReadK(0, 1)
	for i, v := range data {
		if got[i] != v {
			t.Fatalf("ReadK[%d] = %v, want %v", i, got[i], v)
		}
	}
}

func TestCacheWriteReadV(t *testing.T) {
	h := testHparams()
	c, err := NewCache(h, false)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	// 2 positions, embd=4, heads=2, headDim=2
	data := []float32{
		1, 2, 3, 4, // position 0
		5, 6, 7, 8, // position 1
	}
	c.WriteV(1, 0, 2, data)

	if got := c.ReadV(1, 0, 0, 0); got != 1 {
		t.Fatalf("ReadV(pos=0,hd=0,h=0) = %v, want 1", got)
	}
	if got := c.ReadV(1, 1, 1, 1); got != 8 {
		t.Fatalf("ReadV(pos=1,hd=1,h=1) = %v, want 8", got)
	}
}

func TestCacheF16KVRoundTripsThroughHalfPrecision(t *testing.T) {
	h := testHparams()
	c, err := NewCache(h, true)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	c.WriteK(0, 0, 1, []float32{1.0 / 3.0, 0, 0, 0})
	got := c.ReadK(0, 1)[0]
	if got == 1.0/3.0 {
		t.Fatalf("expected f16 rounding to change the value, got exact %v", got)
	}
}

func TestCacheAdvanceAndNPast(t *testing.T) {
	h := testHparams()
	c, _ := NewCache(h, false)
	if c.NPast() != 0 {
		t.Fatalf("NPast() = %d, want 0", c.NPast())
	}
	c.Advance(3)
	if c.NPast() != 3 {
		t.Fatalf("NPast() = %d, want 3", c.NPast())
	}
	c.SetNPast(5)
	if c.NPast() != 5 {
		t.Fatalf("NPast() = %d, want 5", c.NPast())
	}
}

func TestCacheByteSize(t *testing.T) {
	h := testHparams()
	c, _ := NewCache(h, false)
	want := int64(h.Layers*h.ContextSize*h.EmbdSize*2) * 4
	if got := c.ByteSize(); got != want {
		t.Fatalf("ByteSize() = %d, want %d", got, want)
	}
}
