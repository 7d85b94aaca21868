package checkpoint

import "testing"

func TestSplitModeForName(t *testing.T) {
	cases := []struct {
		name string
		want SplitMode
	}{
		{"tok_embeddings.weight", SplitByColumns},
		{"layers.0.attention.wo.weight", SplitByColumns},
		{"layers.0.feed_forward.w2.weight", SplitByColumns},
		{"layers.0.attention.wq.weight", SplitByRows},
		{"output.weight", SplitByRows},
		{"norm.weight", SplitByRows},
	}
	for _, c := range cases {
		if got := splitModeForName(c.name); got != c.want {
			t.Errorf("splitModeForName(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestTensorRecordAddShardRejectsTypeMismatch(t *testing.T) {
	r := &TensorRecord{}
	if err := r.AddShard(TensorShard{Name: "t", Ne: []int{2, 2}, Type: TypeF32}); err != nil {
		t.Fatalf("first AddShard: %v", err)
	}
	err := r.AddShard(TensorShard{Name: "t", Ne: []int{2, 2}, Type: TypeF16})
	if _, ok := err.(ErrInconsistent); !ok {
		t.Fatalf("err = %#v, want ErrInconsistent", err)
	}
}

func TestTensorRecordAddShardRejectsDimensionalityMismatch(t *testing.T) {
	r := &TensorRecord{}
	if err := r.AddShard(TensorShard{Name: "t", Ne: []int{2, 2}, Type: TypeF32}); err != nil {
		t.Fatalf("first AddShard: %v", err)
	}
	err := r.AddShard(TensorShard{Name: "t", Ne: []int{4}, Type: TypeF32})
	if _, ok := err.(ErrInconsistent); !ok {
		t.Fatalf("err = %#v, want ErrInconsistent", err)
	}
}

func TestTensorRecordAddShardRejectsRowsDisagreementUnderColumnSplit(t *testing.T) {
	r := &TensorRecord{}
	if err := r.AddShard(TensorShard{Name: "tok_embeddings.weight", Ne: []int{2, 3}, Type: TypeF32}); err != nil {
		t.Fatalf("first AddShard: %v", err)
	}
	// ne[1] (rows) must agree exactly under SplitByColumns; only ne[0] may vary.
	err := r.AddShard(TensorShard{Name: "tok_embeddings.weight", Ne: []int{2, 4}, Type: TypeF32})
	if _, ok := err.(ErrInconsistent); !ok {
		t.Fatalf("err = %#v, want ErrInconsistent", err)
	}
}

func TestTensorRecordFinalizeSingleShardIsSplitNone(t *testing.T) {
	r := &TensorRecord{}
	if err := r.AddShard(TensorShard{Name: "t", Ne: []int{3, 2}, Type: TypeF32}); err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if r.SplitMode != SplitNone {
		t.Fatalf("SplitMode = %v, want SplitNone", r.SplitMode)
	}
	if r.LogicalSize() != 6 {
		t.Fatalf("LogicalSize = %d, want 6", r.LogicalSize())
	}
}

func TestTensorRecordFinalizeSplitByRows(t *testing.T) {
	r := &TensorRecord{}
	for i := 0; i < 2; i++ {
		if err := r.AddShard(TensorShard{Name: "layers.0.attention.wq.weight", Ne: []int{3, 2}, Type: TypeF32}); err != nil {
			t.Fatalf("AddShard %d: %v", i, err)
		}
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if r.SplitMode != SplitByRows {
		t.Fatalf("SplitMode = %v, want SplitByRows", r.SplitMode)
	}
	if want := []int{3, 4}; r.Ne[0] != want[0] || r.Ne[1] != want[1] {
		t.Fatalf("Ne = %v, want %v", r.Ne, want)
	}
}

func TestTensorRecordFinalizeSplitByColumns(t *testing.T) {
	r := &TensorRecord{}
	for i := 0; i < 2; i++ {
		if err := r.AddShard(TensorShard{Name: "tok_embeddings.weight", Ne: []int{2, 4}, Type: TypeF32}); err != nil {
			t.Fatalf("AddShard %d: %v", i, err)
		}
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if r.SplitMode != SplitByColumns {
		t.Fatalf("SplitMode = %v, want SplitByColumns", r.SplitMode)
	}
	if want := []int{4, 4}; r.Ne[0] != want[0] || r.Ne[1] != want[1] {
		t.Fatalf("Ne = %v, want %v", r.Ne, want)
	}
}

func TestTensorRecordFinalizeNoShardsIsInconsistent(t *testing.T) {
	r := &TensorRecord{Name: "t"}
	err := r.Finalize()
	if _, ok := err.(ErrInconsistent); !ok {
		t.Fatalf("err = %#v, want ErrInconsistent", err)
	}
}
