// Package quarrel is the public programmatic surface over the
// checkpoint loader, transformer forward pass, tokenizer, sampler,
// quantiser and state (de)serialiser, §6. A CLI or server wrapper binds
// to this package rather than to the internal packages directly.
package quarrel

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/23skdu/longbow-quarrel/internal/checkpoint"
	"github.com/23skdu/longbow-quarrel/internal/config"
	"github.com/23skdu/longbow-quarrel/internal/engine"
	"github.com/23skdu/longbow-quarrel/internal/export"
	"github.com/23skdu/longbow-quarrel/internal/quantize"
	"github.com/23skdu/longbow-quarrel/internal/simd"
	"github.com/23skdu/longbow-quarrel/internal/state"
	"github.com/23skdu/longbow-quarrel/internal/tokenizer"
)

// TokenBOS and TokenEOS are the reserved vocabulary ids, §3/§6.
const (
	TokenBOS = checkpoint.TokenBOS
	TokenEOS = checkpoint.TokenEOS
)

// Context bundles a loaded model, its KV cache and scratch arena, the
// tokenizer, and the sampler's RNG — everything one inference session
// owns for its lifetime, §3 Ownership.
type Context struct {
	model     *checkpoint.Model
	engineCtx *engine.Context
	tok       *tokenizer.Tokenizer
	sampler   *engine.Sampler

	hasEvaluatedOnce bool
}

// Init loads a checkpoint and constructs a ready-to-use Context, §6
// init(path, params). A non-positive params.Seed is resolved to the
// current time inside the sampler, matching the documented contract.
func Init(path string, params config.ContextParams) (*Context, error) {
	model, err := checkpoint.Load(path, checkpoint.LoadOptions{
		ContextSize: params.ContextSize,
		UseMmap:     params.UseMmap,
		UseMlock:    params.UseMlock,
		VocabOnly:   params.VocabOnly,
		Progress:    params.Progress,
		ProgressData: params.ProgressData,
	})
	if err != nil {
		return nil, fmt.Errorf("quarrel: init: %w", err)
	}

	tok := tokenizer.New(model.Vocab)

	if params.VocabOnly {
		return &Context{model: model, tok: tok, sampler: engine.NewSampler(params.Seed)}, nil
	}

	weights, err := loadWeights(model)
	if err != nil {
		model.Close()
		return nil, fmt.Errorf("quarrel: init: %w", err)
	}
	if err := model.DoneGettingTensors(); err != nil {
		model.Close()
		return nil, fmt.Errorf("quarrel: init: %w", err)
	}

	engineCtx, err := engine.NewContext(model.Hparams, weights, params.LogitsAll, params.Embedding, false)
	if err != nil {
		model.Close()
		return nil, fmt.Errorf("quarrel: init: %w", err)
	}
	if params.F16KV {
		cache, err := engine.NewCache(model.Hparams, true)
		if err != nil {
			model.Close()
			return nil, fmt.Errorf("quarrel: init: %w", err)
		}
		engineCtx.Cache = cache
	}

	return &Context{
		model:     model,
		engineCtx: engineCtx,
		tok:       tok,
		sampler:   engine.NewSampler(params.Seed),
	}, nil
}

// loadWeights pulls every named tensor the forward pass needs out of
// the loader, §4.2 step 5's get_tensor/done_getting_tensors contract.
func loadWeights(model *checkpoint.Model) (*engine.Weights, error) {
	get := func(name string) ([]float32, error) {
		data, _, err := model.GetTensor(name)
		if err != nil {
			return nil, err
		}
		return data, nil
	}

	tokEmbeddings, err := get("tok_embeddings.weight")
	if err != nil {
		return nil, err
	}
	norm, err := get("norm.weight")
	if err != nil {
		return nil, err
	}
	output, err := get("output.weight")
	if err != nil {
		return nil, err
	}

	layers := make([]engine.LayerWeights, model.Hparams.Layers)
	for l := range layers {
		prefix := fmt.Sprintf("layers.%d.", l)
		var lw engine.LayerWeights
		fields := []struct {
			name string
			dst  *[]float32
		}{
			{prefix + "attention_norm.weight", &lw.AttnNorm},
			{prefix + "attention.wq.weight", &lw.Wq},
			{prefix + "attention.wk.weight", &lw.Wk},
			{prefix + "attention.wv.weight", &lw.Wv},
			{prefix + "attention.wo.weight", &lw.Wo},
			{prefix + "ffn_norm.weight", &lw.FFNNorm},
			{prefix + "feed_forward.w1.weight", &lw.W1},
			{prefix + "feed_forward.w2.weight", &lw.W2},
			{prefix + "feed_forward.w3.weight", &lw.W3},
		}
		for _, f := range fields {
			v, err := get(f.name)
			if err != nil {
				return nil, err
			}
			*f.dst = v
		}
		layers[l] = lw
	}

	return &engine.Weights{
		TokEmbeddings: tokEmbeddings,
		Layers:        layers,
		Norm:          norm,
		Output:        output,
	}, nil
}

// Free releases the underlying checkpoint's file handles and, if mmap
// was used, its mapping, §3 Ownership.
func (c *Context) Free() error {
	if c.model == nil {
		return nil
	}
	return c.model.Close()
}

// Eval runs one forward pass, §6 eval.
func (c *Context) Eval(tokens []int, nPast, nThreads int) error {
	if c.engineCtx == nil {
		return fmt.Errorf("quarrel: eval: context was opened vocab_only")
	}
	if err := c.engineCtx.Eval(tokens, nPast, nThreads); err != nil {
		return err
	}
	c.hasEvaluatedOnce = true
	return nil
}

// Tokenize implements §6 tokenize. Go callers get a slice directly
// rather than the C signature's (out, out_cap, produced_count) triad;
// outCap still bounds how many ids are returned, with the same
// negative/overflow convention the spec's C-shaped API describes: if
// more tokens were produced than outCap allows, the returned count is
// negative and its magnitude is the capacity actually required.
func (c *Context) Tokenize(text string, addBOS bool, outCap int) ([]int, int) {
	ids := c.tok.Encode(text, addBOS)
	if outCap > 0 && len(ids) > outCap {
		return ids[:outCap], -len(ids)
	}
	return ids, len(ids)
}

// SampleTopPTopK implements §6 sample_top_p_top_k against the context's
// last-step logits.
func (c *Context) SampleTopPTopK(lastN []int, topK int, topP, temp, repeatPenalty float32) int {
	return c.sampler.SampleTopPTopK(c.engineCtx.Logits, lastN, topK, topP, temp, repeatPenalty)
}

func (c *Context) GetLogits() []float32     { return c.engineCtx.Logits }
func (c *Context) GetEmbeddings() []float32 { return c.engineCtx.Embeddings }

func (c *Context) TokenToStr(id int) string { return string(c.tok.TokenToStr(id)) }

func (c *Context) NVocab() int { return c.model.Hparams.VocabSize }
func (c *Context) NCtx() int   { return c.model.Hparams.ContextSize }
func (c *Context) NEmbd() int  { return c.model.Hparams.EmbdSize }

// GetKVCache and SetKVCache expose the raw KV buffers, §6.
func (c *Context) GetKVCache() (data []byte, ntok int) { return state.GetKVCache(c.engineCtx) }
func (c *Context) SetKVCache(data []byte, ntok int) error {
	return state.SetKVCache(c.engineCtx, data, ntok)
}

// GetStateSize, CopyStateData, and SetStateData implement §4.9/§6's
// snapshot/restore triad.
func (c *Context) GetStateSize() int64 {
	return state.GetStateSize(c.engineCtx, c.sampler)
}

func (c *Context) CopyStateData() []byte {
	return state.CopyStateData(c.engineCtx, c.sampler, c.hasEvaluatedOnce)
}

func (c *Context) SetStateData(data []byte) error {
	hasEvaluatedOnce, err := state.SetStateData(c.engineCtx, c.sampler, data)
	if err != nil {
		return err
	}
	c.hasEvaluatedOnce = hasEvaluatedOnce
	return nil
}

// ExportEmbeddings converts one or more previously captured embedding
// vectors into an Arrow record, the supplemented feature §7 describes.
func (c *Context) ExportEmbeddings(vectors [][]float32, ids []string) (*export.EmbeddingBatch, error) {
	return export.NewEmbeddingBatch(vectors, ids)
}

// ModelQuantize implements §6 model_quantize.
func ModelQuantize(inPath, outPath string, target quantize.TargetType) (*quantize.Report, error) {
	return quantize.ModelQuantize(inPath, outPath, target)
}

// PrintTimings and ResetTimings implement §6's timing-report entry
// points.
func (c *Context) PrintTimings() string { return c.engineCtx.PrintTimings() }
func (c *Context) ResetTimings()        { c.engineCtx.ResetTimings() }

// PrintSystemInfo reports runtime/build facts useful for triaging a
// run, §7 supplemented features: GOMAXPROCS, the compiled-in SIMD
// dispatch target, and the Go toolchain/build that produced the binary.
func PrintSystemInfo() string {
	vcs := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				vcs = s.Value
			}
		}
	}
	return fmt.Sprintf(
		"system_info: n_threads = %d / %d | simd = %s | go = %s %s/%s | build = %s",
		runtime.GOMAXPROCS(0), runtime.NumCPU(), simd.BackendName(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH, vcs,
	)
}
