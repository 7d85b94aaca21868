package engine

// SamplerConfig holds the per-call sampling parameters, §4.7.
type SamplerConfig struct {
	Temperature   float32
	TopK          int
	TopP          float32
	RepeatPenalty float32 // 1.0 = no penalty, >1.0 = penalize recently-seen tokens
	RepeatLastN   int     // how many trailing tokens count as "recent" for the penalty
	Seed          int64
}
