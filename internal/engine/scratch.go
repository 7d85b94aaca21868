package engine

import (
	"fmt"

	"github.com/23skdu/longbow-quarrel/internal/metrics"
)

// MaxScratch is the number of scratch regions a context can switch
// between during graph construction, §4.5.
const MaxScratch = 16

// scratchRegion tracks one arena's budget and current/high-water usage,
// mirroring the allocation bookkeeping internal/cpu's pooling Context
// keeps via its atomic byte counter, generalized to per-region budgets
// instead of one global ceiling.
type scratchRegion struct {
	size int64 // budget, set at context init from a model-class table
	used int64 // bytes claimed by the in-flight graph build
	high int64 // high-water mark across the region's lifetime
}

// ScratchArena implements use_buf switching across MaxScratch regions
// plus a main arena, §4.5. When disabled, every call is a no-op and all
// allocation is assumed to fit the main arena's MEM_REQ_EVAL budget.
type ScratchArena struct {
	regions  [MaxScratch]scratchRegion
	main     scratchRegion
	current  int // -1 == main
	disabled bool
}

// ScratchSizes is the fixed per-model-class region table named in §4.5
// (MEM_REQ_SCRATCH0, MEM_REQ_SCRATCH1, MEM_REQ_EVAL). Sizes are in
// bytes and scale with context length since activations are
// [N, n_embd]-shaped.
type ScratchSizes struct {
	Scratch0 int64
	Scratch1 int64
	Eval     int64
}

// scratchTable gives per-model-class byte budgets, keyed the same way
// config.Hyperparameters.ModelClass buckets layer counts.
var scratchTable = map[string]ScratchSizes{
	"7B":  {Scratch0: 512 * 1 << 20, Scratch1: 512 * 1 << 20, Eval: 768 * 1 << 20},
	"13B": {Scratch0: 768 * 1 << 20, Scratch1: 768 * 1 << 20, Eval: 1024 * 1 << 20},
	"30B": {Scratch0: 1024 * 1 << 20, Scratch1: 1024 * 1 << 20, Eval: 1536 * 1 << 20},
	"65B": {Scratch0: 1536 * 1 << 20, Scratch1: 1536 * 1 << 20, Eval: 2048 * 1 << 20},
}

func sizesForClass(class string) ScratchSizes {
	if s, ok := scratchTable[class]; ok {
		return s
	}
	return scratchTable["7B"]
}

// NewScratchArena builds the two named scratch regions (index 0 and 1)
// used by the forward pass plus the main fallback arena, sized from the
// model's class. Pass disabled=true to make every UseBuf a no-op and
// rely solely on the main arena's budget.
func NewScratchArena(class string, disabled bool) *ScratchArena {
	sizes := sizesForClass(class)
	a := &ScratchArena{current: -1, disabled: disabled}
	a.regions[0].size = sizes.Scratch0
	a.regions[1].size = sizes.Scratch1
	a.main.size = sizes.Eval
	return a
}

func (a *ScratchArena) region(i int) *scratchRegion {
	if i < 0 {
		return &a.main
	}
	return &a.regions[i]
}

// UseBuf switches the active arena to i (-1 for main), returning the
// bytes the previously-active region had claimed so callers can reset
// it for reuse, §4.5. The previous region's high-water mark is updated
// before the switch.
func (a *ScratchArena) UseBuf(i int) int64 {
	if a.disabled {
		return 0
	}
	if i < -1 || i >= MaxScratch {
		assertf("scratch: region index %d out of range", i)
	}
	prev := a.region(a.current)
	used := prev.used
	if used > prev.high {
		prev.high = used
		metrics.ScratchHighWatermark.WithLabelValues(regionLabel(a.current)).Set(float64(used))
	}
	prev.used = 0
	a.current = i
	return used
}

// Claim records n additional bytes allocated from the active region.
// Exceeding the region's budget is an Assertion per §7 — a violated
// internal invariant, not a recoverable condition — so it panics rather
// than returning an error a caller might try to handle.
func (a *ScratchArena) Claim(n int64) {
	if a.disabled {
		return
	}
	r := a.region(a.current)
	r.used += n
	if r.used > r.size {
		assertf("scratch region %s: out of memory, used=%d size=%d",
			regionLabel(a.current), r.used, r.size)
	}
	if r.used > r.high {
		r.high = r.used
	}
}

// HighWatermark returns the peak usage recorded for region i (-1 for
// main) over the arena's lifetime.
func (a *ScratchArena) HighWatermark(i int) int64 {
	return a.region(i).high
}

func regionLabel(i int) string {
	if i == -1 {
		return "main"
	}
	return fmt.Sprintf("scratch%d", i)
}
