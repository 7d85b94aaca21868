// Package export converts a context's embedding buffer (§6
// get_embeddings) into an Arrow record for downstream analytics
// consumers, adapted from the arrow_client package's RecordBatch concept
// with the Flight/gRPC transport layer removed — that layer is a server
// wrapper, out of scope here.
package export

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// EmbeddingBatch collects one or more n_embd-length embedding vectors
// produced across a generation session, each optionally tagged with an
// id (e.g. the token or prompt it came from).
type EmbeddingBatch struct {
	Vectors [][]float32
	Ids     []string
}

// NewEmbeddingBatch builds a batch from raw vectors. ids may be nil; if
// provided it must be the same length as vectors.
func NewEmbeddingBatch(vectors [][]float32, ids []string) (*EmbeddingBatch, error) {
	if len(ids) != 0 && len(ids) != len(vectors) {
		return nil, fmt.Errorf("export: %d ids for %d vectors", len(ids), len(vectors))
	}
	return &EmbeddingBatch{Vectors: vectors, Ids: ids}, nil
}

// ToArrowRecord materialises the batch as a two-column Arrow record: an
// optional "id" utf8 column and a "vector" fixed-size-list<float32>
// column. Every vector must share the batch's dimension, derived from
// the first entry.
func (b *EmbeddingBatch) ToArrowRecord() (arrow.Record, error) {
	if len(b.Vectors) == 0 {
		return nil, fmt.Errorf("export: empty embedding batch")
	}
	dim := len(b.Vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("export: zero-length embedding vectors")
	}
	for i, v := range b.Vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("export: vector %d has length %d, want %d", i, len(v), dim)
		}
	}

	fields := []arrow.Field{
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}
	hasIds := len(b.Ids) == len(b.Vectors)
	if hasIds {
		fields = append(fields, arrow.Field{Name: "id", Type: arrow.BinaryTypes.String})
	}
	schema := arrow.NewSchema(fields, nil)

	pool := memory.NewGoAllocator()
	vecBuilder := array.NewFixedSizeListBuilder(pool, int32(dim), arrow.PrimitiveTypes.Float32)
	defer vecBuilder.Release()
	valBuilder := vecBuilder.ValueBuilder().(*array.Float32Builder)
	for _, v := range b.Vectors {
		vecBuilder.Append(true)
		valBuilder.AppendValues(v, nil)
	}
	vecArray := vecBuilder.NewArray()
	defer vecArray.Release()

	columns := []arrow.Array{vecArray}
	if hasIds {
		idBuilder := array.NewStringBuilder(pool)
		defer idBuilder.Release()
		idBuilder.AppendValues(b.Ids, nil)
		idArray := idBuilder.NewArray()
		defer idArray.Release()
		columns = append(columns, idArray)
	}

	return array.NewRecord(schema, columns, int64(len(b.Vectors))), nil
}
