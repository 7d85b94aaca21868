// Package state implements the context snapshot/restore blob of §4.9:
// RNG, logits buffer, embeddings, and KV cache, serialised into one flat
// byte slice so a caller can persist and resume a generation session.
package state

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/23skdu/longbow-quarrel/internal/engine"
)

// RNGBlobSize is the fixed reservation for the RNG's textual
// serialisation, §4.9. The sampler's actual state is one uint64; the
// remainder is zero-padded.
const RNGBlobSize = 64 * 1024

var order = binary.LittleEndian

// GetStateSize returns the exact byte length CopyStateData will produce
// for the given context/sampler pair, §6 get_state_size.
func GetStateSize(ctx *engine.Context, sampler *engine.Sampler) int64 {
	logitsCapacity := logitsCapacity(ctx)
	var size int64
	size += 8 + RNGBlobSize // rng_size + rng_bytes
	size += 8 + 8 + logitsCapacity*4
	size += 8 + int64(len(ctx.Embeddings))*4
	size += 8 + 4 + ctx.Cache.ByteSize()
	size += 2 // additive has_evaluated_once, logits_all, §8 open question decision
	return size
}

// CopyStateData serialises the full blob, §4.9/§6 copy_state_data.
func CopyStateData(ctx *engine.Context, sampler *engine.Sampler, hasEvaluatedOnce bool) []byte {
	buf := make([]byte, GetStateSize(ctx, sampler))
	w := 0

	// rng_size, rng_bytes[64KiB]: a decimal rendering of the 64-bit
	// generator state, zero-padded to the fixed reservation.
	rngText := fmt.Sprintf("%020d", sampler.State())
	order.PutUint64(buf[w:], uint64(len(rngText)))
	w += 8
	copy(buf[w:w+RNGBlobSize], rngText)
	w += RNGBlobSize

	logitsCapacity := logitsCapacity(ctx)
	order.PutUint64(buf[w:], uint64(logitsCapacity))
	w += 8
	order.PutUint64(buf[w:], uint64(len(ctx.Logits)))
	w += 8
	writeF32Slice(buf[w:], ctx.Logits)
	w += int(logitsCapacity) * 4

	order.PutUint64(buf[w:], uint64(len(ctx.Embeddings)))
	w += 8
	writeF32Slice(buf[w:], ctx.Embeddings)
	w += len(ctx.Embeddings) * 4

	kvSize := ctx.Cache.ByteSize()
	order.PutUint64(buf[w:], uint64(kvSize))
	w += 8
	order.PutUint32(buf[w:], uint32(ctx.Cache.NPast()))
	w += 4
	w += writeKVCache(buf[w:], ctx)

	if hasEvaluatedOnce {
		buf[w] = 1
	}
	w++
	if ctx.LogitsAll {
		buf[w] = 1
	}
	w++

	return buf[:w]
}

// SetStateData restores a blob produced by CopyStateData, §4.9/§6
// set_state_data. logits_capacity and kv_size are validated against the
// live context and are fatal (returned as an error here, per the Go
// idiom of propagating rather than aborting) on mismatch.
func SetStateData(ctx *engine.Context, sampler *engine.Sampler, data []byte) (hasEvaluatedOnce bool, err error) {
	r := 0
	need := func(n int) error {
		if r+n > len(data) {
			return fmt.Errorf("state: truncated blob, need %d more bytes at offset %d (len=%d)", n, r, len(data))
		}
		return nil
	}

	if err := need(8); err != nil {
		return false, err
	}
	rngLen := int(order.Uint64(data[r:]))
	r += 8
	if err := need(RNGBlobSize); err != nil {
		return false, err
	}
	if rngLen < 0 || rngLen > RNGBlobSize {
		return false, fmt.Errorf("state: rng_size %d exceeds reservation %d", rngLen, RNGBlobSize)
	}
	rngText := string(data[r : r+rngLen])
	r += RNGBlobSize
	var seed uint64
	if _, scanErr := fmt.Sscanf(rngText, "%d", &seed); scanErr != nil {
		return false, fmt.Errorf("state: malformed rng text %q: %w", rngText, scanErr)
	}
	sampler.SetState(seed)

	if err := need(16); err != nil {
		return false, err
	}
	restoredCapacity := int64(order.Uint64(data[r:]))
	r += 8
	logitsSize := int64(order.Uint64(data[r:]))
	r += 8
	wantCapacity := logitsCapacity(ctx)
	if restoredCapacity != wantCapacity {
		return false, fmt.Errorf("state: logits_capacity %d does not match context capacity %d", restoredCapacity, wantCapacity)
	}
	if err := need(int(restoredCapacity) * 4); err != nil {
		return false, err
	}
	ctx.Logits = readF32Slice(data[r:], int(logitsSize))
	r += int(restoredCapacity) * 4

	if err := need(8); err != nil {
		return false, err
	}
	embSize := int(order.Uint64(data[r:]))
	r += 8
	if err := need(embSize * 4); err != nil {
		return false, err
	}
	ctx.Embeddings = readF32Slice(data[r:], embSize)
	r += embSize * 4

	if err := need(12); err != nil {
		return false, err
	}
	kvSize := int64(order.Uint64(data[r:]))
	r += 8
	kvNtok := int(int32(order.Uint32(data[r:])))
	r += 4
	wantKVSize := ctx.Cache.ByteSize()
	if kvSize != wantKVSize {
		return false, fmt.Errorf("state: kv_size %d does not match context KV buffer size %d", kvSize, wantKVSize)
	}
	if err := need(int(kvSize)); err != nil {
		return false, err
	}
	n := readKVCache(data[r:], ctx)
	r += n
	ctx.Cache.SetNPast(kvNtok)

	if err := need(2); err != nil {
		return false, err
	}
	hasEvaluatedOnce = data[r] != 0
	r++
	ctx.LogitsAll = data[r] != 0
	r++

	return hasEvaluatedOnce, nil
}

// GetKVCache returns a standalone copy of the KV buffers and the token
// count they currently hold, §6 get_kv_cache.
func GetKVCache(ctx *engine.Context) (data []byte, ntok int) {
	buf := make([]byte, ctx.Cache.ByteSize())
	writeKVCache(buf, ctx)
	return buf, ctx.Cache.NPast()
}

// SetKVCache restores the KV buffers from a blob previously produced by
// GetKVCache, re-seating the context's notion of how many tokens are
// resident, §6 set_kv_cache. The "pointer re-seating" the C original
// needs is moot in Go: readKVCache copies into the existing slices in
// place rather than swapping in a new backing array.
func SetKVCache(ctx *engine.Context, data []byte, ntok int) error {
	want := ctx.Cache.ByteSize()
	if int64(len(data)) != want {
		return fmt.Errorf("state: kv cache blob is %d bytes, context expects %d", len(data), want)
	}
	readKVCache(data, ctx)
	ctx.Cache.SetNPast(ntok)
	return nil
}

func logitsCapacity(ctx *engine.Context) int64 {
	return int64(ctx.Hparams.VocabSize) * int64(ctx.Hparams.ContextSize)
}

func writeF32Slice(dst []byte, src []float32) {
	for i, v := range src {
		order.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

func readF32Slice(src []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(order.Uint32(src[i*4:]))
	}
	return out
}

// writeKVCache writes K followed by V, each as little-endian f32, and
// returns the number of bytes written.
func writeKVCache(dst []byte, ctx *engine.Context) int {
	k, v := ctx.Cache.K, ctx.Cache.V
	writeF32Slice(dst, k)
	writeF32Slice(dst[len(k)*4:], v)
	return (len(k) + len(v)) * 4
}

// readKVCache copies src into the context's existing K/V slices in
// place, preserving their identity (and therefore anything else holding
// a reference to them) rather than reallocating.
func readKVCache(src []byte, ctx *engine.Context) int {
	k, v := ctx.Cache.K, ctx.Cache.V
	for i := range k {
		k[i] = math.Float32frombits(order.Uint32(src[i*4:]))
	}
	off := len(k) * 4
	for i := range v {
		v[i] = math.Float32frombits(order.Uint32(src[off+i*4:]))
	}
	return off + len(v)*4
}
