package checkpoint

import "strings"

// SplitMode describes how a logical tensor is partitioned across shard
// files, §3.
type SplitMode int

const (
	SplitNone SplitMode = iota
	SplitByRows
	SplitByColumns
)

// TensorShard describes one file's contribution to one tensor, §3.
type TensorShard struct {
	Name      string
	Ne        []int // 1 or 2 dims, per-shard shape
	Type      ElementType
	FileIndex int
	Offset    int64
}

// TensorRecord aggregates shards sharing a name, §3.
type TensorRecord struct {
	Name      string
	Type      ElementType
	Shards    []TensorShard
	SplitMode SplitMode
	Ne        []int // logical shape, derived once all shards are known
	claimed   bool
}

// LogicalSize returns the number of elements in the logical (reassembled)
// tensor.
func (r *TensorRecord) LogicalSize() int {
	n := 1
	for _, d := range r.Ne {
		n *= d
	}
	return n
}

// splitModeForName decides SPLIT_BY_COLUMNS vs SPLIT_BY_ROWS for a
// multi-shard record based on the tensor name, §3.
func splitModeForName(name string) SplitMode {
	switch {
	case strings.HasPrefix(name, "tok_embeddings."):
		return SplitByColumns
	case strings.HasSuffix(name, ".attention.wo.weight"):
		return SplitByColumns
	case strings.HasSuffix(name, ".feed_forward.w2.weight"):
		return SplitByColumns
	default:
		return SplitByRows
	}
}

// AddShard appends a shard to the record, validating that it agrees with
// any shards already present on type and per-shard shape, §4.2 step 2/3.
func (r *TensorRecord) AddShard(s TensorShard) error {
	if len(r.Shards) == 0 {
		r.Name = s.Name
		r.Type = s.Type
	} else {
		first := r.Shards[0]
		if s.Type != r.Type {
			return ErrInconsistent{Reason: "tensor " + s.Name + ": element type differs across shards"}
		}
		if len(s.Ne) != len(first.Ne) {
			return ErrInconsistent{Reason: "tensor " + s.Name + ": dimensionality differs across shards"}
		}
		for i := range s.Ne {
			// SPLIT_BY_ROWS varies ne[1]; SPLIT_BY_COLUMNS varies ne[0].
			// Per-shard shape must otherwise match exactly.
			if len(s.Ne) == 2 {
				if i == 0 && splitModeForName(s.Name) == SplitByColumns {
					continue
				}
				if i == 1 && splitModeForName(s.Name) == SplitByRows {
					continue
				}
			}
			if s.Ne[i] != first.Ne[i] {
				return ErrInconsistent{Reason: "tensor " + s.Name + ": per-shard shape differs across shards"}
			}
		}
	}
	r.Shards = append(r.Shards, s)
	return nil
}

// Finalize derives SplitMode and the logical shape, §3, once every shard
// for a record has been seen.
func (r *TensorRecord) Finalize() error {
	if len(r.Shards) == 0 {
		return ErrInconsistent{Reason: "tensor record with no shards: " + r.Name}
	}
	first := r.Shards[0]
	if len(first.Ne) == 1 || len(r.Shards) == 1 {
		r.SplitMode = SplitNone
		r.Ne = append([]int(nil), first.Ne...)
		return nil
	}

	r.SplitMode = splitModeForName(r.Name)
	ne := append([]int(nil), first.Ne...)
	n := len(r.Shards)
	switch r.SplitMode {
	case SplitByColumns:
		ne[0] = first.Ne[0] * n
	case SplitByRows:
		ne[1] = first.Ne[1] * n
	}
	r.Ne = ne
	return nil
}
