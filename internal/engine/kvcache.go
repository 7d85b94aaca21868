package engine

import (
	"fmt"

	"github.com/23skdu/longbow-quarrel/internal/config"
	"github.com/23skdu/longbow-quarrel/internal/device"
)

// Cache is the persistent key/value store threaded through every eval
// call on a context, §4.3. Two flat buffers back every layer's K and V
// so a restore (§4.9) can memcpy over them in one shot rather than
// walking per-layer tensors.
type Cache struct {
	K, V []float32

	nLayer, nCtx, nEmbd, nHead int
	headDim                    int
	f16kv                      bool

	nPast int // tokens currently resident; advanced by the forward pass
}

// NewCache allocates the K/V buffers for the model shape described by
// hparams, §4.3 init. With f16kv set, every value is round-tripped
// through device's float16 codec on write; the buffers themselves stay
// float32, so the cache takes the same memory either way.
func NewCache(hparams config.Hyperparameters, f16kv bool) (*Cache, error) {
	if hparams.Heads == 0 {
		return nil, fmt.Errorf("kv cache: hparams.Heads must be non-zero")
	}
	n := hparams.Layers * hparams.ContextSize * hparams.EmbdSize
	if n <= 0 {
		return nil, fmt.Errorf("kv cache: degenerate size (layers=%d ctx=%d embd=%d)",
			hparams.Layers, hparams.ContextSize, hparams.EmbdSize)
	}
	return &Cache{
		K:       make([]float32, n),
		V:       make([]float32, n),
		nLayer:  hparams.Layers,
		nCtx:    hparams.ContextSize,
		nEmbd:   hparams.EmbdSize,
		nHead:   hparams.Heads,
		headDim: hparams.EmbdSize / hparams.Heads,
		f16kv:   f16kv,
	}, nil
}

func (c *Cache) quantizeIfNeeded(v float32) float32 {
	if !c.f16kv {
		return v
	}
	return device.Float16ToFloat32(device.Float32ToFloat16(v))
}

func (c *Cache) layerBase(layer int) int { return layer * c.nCtx * c.nEmbd }

// WriteK stores post-RoPE keys for N new positions starting at nPast,
// §4.3: a contiguous [N, n_embd] block at (layer*n_ctx + nPast)*n_embd.
func (c *Cache) WriteK(layer, nPast, n int, data []float32) {
	base := c.layerBase(layer) + nPast*c.nEmbd
	for i := 0; i < n*c.nEmbd; i++ {
		c.K[base+i] = c.quantizeIfNeeded(data[i])
	}
}

// WriteV stores V for N new positions starting at nPast. V is kept
// column-major per layer ([n_ctx, n_embd], stride n_ctx between
// columns) so that attention's later weighted sum over positions reads
// contiguous runs, §4.3.
func (c *Cache) WriteV(layer, nPast, n int, data []float32) {
	base := c.layerBase(layer)
	for d := 0; d < c.nEmbd; d++ {
		col := base + d*c.nCtx
		for p := 0; p < n; p++ {
			c.V[col+nPast+p] = c.quantizeIfNeeded(data[p*c.nEmbd+d])
		}
	}
}

// ReadK returns the contiguous [upTo, n_embd] view of layer l's keys
// for positions [0, upTo).
func (c *Cache) ReadK(layer, upTo int) []float32 {
	base := c.layerBase(layer)
	return c.K[base : base+upTo*c.nEmbd]
}

// ReadV returns the value at position pos, head h, intra-head offset hd
// for layer l, using the stride triple (1, n_ctx, n_ctx*headDim) named
// in §4.3's 3-D view of V.
func (c *Cache) ReadV(layer, pos, hd, h int) float32 {
	base := c.layerBase(layer)
	return c.V[base+pos+hd*c.nCtx+h*c.nCtx*c.headDim]
}

// NPast reports the number of resident tokens.
func (c *Cache) NPast() int { return c.nPast }

// Advance records that the forward pass has just written N more
// positions starting at the cache's previous n_past.
func (c *Cache) Advance(n int) { c.nPast += n }

// SetNPast overrides the resident token count directly; used by
// context-window shifting and by state restore, §5/§4.9.
func (c *Cache) SetNPast(n int) { c.nPast = n }

// ByteSize returns the raw storage footprint of both buffers, for the
// state blob's kv_size field and for metrics reporting.
func (c *Cache) ByteSize() int64 {
	return int64(len(c.K)+len(c.V)) * 4
}

// HeadDim returns n_embd/n_head.
func (c *Cache) HeadDim() int { return c.headDim }
