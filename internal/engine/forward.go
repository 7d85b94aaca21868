package engine

import (
	"math"
	"time"

	"github.com/23skdu/longbow-quarrel/internal/config"
	"github.com/23skdu/longbow-quarrel/internal/device"
	"github.com/23skdu/longbow-quarrel/internal/metrics"
)

// LayerWeights holds one transformer block's projection matrices, all
// row-major [out_dim, in_dim] as loaded from the checkpoint, §4.4.
type LayerWeights struct {
	AttnNorm []float32 // [n_embd]
	Wq, Wk, Wv, Wo []float32 // [n_embd, n_embd]
	FFNNorm  []float32 // [n_embd]
	W1, W3   []float32 // [n_ff, n_embd] gate/up
	W2       []float32 // [n_embd, n_ff] down
}

// Weights is the full set of tensors the forward pass consumes.
type Weights struct {
	TokEmbeddings []float32 // [n_vocab, n_embd]
	Layers        []LayerWeights
	Norm          []float32 // [n_embd]
	Output        []float32 // [n_vocab, n_embd]
}

// Timings accumulates the per-call timers named in §4.4's last
// paragraph: single-token calls land in eval time, multi-token calls in
// prompt-eval time.
type Timings struct {
	EvalCalls       int
	EvalTime        time.Duration
	PromptEvalCalls int
	PromptEvalTime  time.Duration
	SampleTime      time.Duration
}

// Context bundles everything one inference session needs across calls:
// weights, KV cache, scratch arena, and the result buffers eval fills
// in, §4.4/§6.
type Context struct {
	Hparams config.Hyperparameters
	Weights *Weights
	Cache   *Cache
	Scratch *ScratchArena

	LogitsAll    bool
	WantEmbedding bool

	Logits     []float32
	Embeddings []float32

	Timings Timings

	// ActivationLog is nil unless EnableActivationLog was called; when
	// set, Eval records per-layer Q/K/V/attention/FFN maxima and NaN/Inf
	// counts into it for offline debugging of a specific prompt.
	ActivationLog *ActivationLogger

	rmsEps float32
	theta  float32
}

// EnableActivationLog turns on per-layer activation recording for the
// next Eval call, keyed to the given prompt/tokens for the saved log's
// header fields.
func (c *Context) EnableActivationLog(prompt string, tokens []int) {
	c.ActivationLog = NewActivationLogger()
	c.ActivationLog.Enable(prompt, tokens)
}

// NewContext wires a loaded model's weights and hyperparameters into a
// ready-to-eval context.
func NewContext(hparams config.Hyperparameters, w *Weights, logitsAll, wantEmbedding bool, scratchDisabled bool) (*Context, error) {
	cache, err := NewCache(hparams, false)
	if err != nil {
		return nil, err
	}
	return &Context{
		Hparams:       hparams,
		Weights:       w,
		Cache:         cache,
		Scratch:       NewScratchArena(hparams.ModelClass(), scratchDisabled),
		LogitsAll:     logitsAll,
		WantEmbedding: wantEmbedding,
		rmsEps:        1e-5,
		theta:         10000.0,
	}, nil
}

// Eval runs one forward pass over N new tokens at position nPast,
// updating the KV cache and the context's Logits/Embeddings buffers,
// §4.4. n_threads is advisory: ggml-style kernel libraries may force it
// to 1 for large batches to avoid spin contention; the portable kernels
// in internal/device are single-threaded per call regardless, so the
// value is not used once that rule has been applied.
func (c *Context) Eval(tokens []int, nPast, nThreads int) error {
	n := len(tokens)
	if nPast+n > c.Hparams.ContextSize {
		// KV out-of-range is an Assertion per §7: a caller driving n_past
		// past n_ctx is a programmer error, not a recoverable condition.
		assertf("eval: n_past(%d)+N(%d) exceeds n_ctx(%d)", nPast, n, c.Hparams.ContextSize)
	}
	if n >= 32 {
		nThreads = 1 // BLAS-thread-forcing rule, §4.4
	}
	_ = nThreads

	start := time.Now()

	embd := c.Hparams.EmbdSize
	heads := c.Hparams.Heads
	headDim := embd / heads

	inpL := make([]float32, n*embd)
	for i, tok := range tokens {
		copy(inpL[i*embd:(i+1)*embd], c.Weights.TokEmbeddings[tok*embd:(tok+1)*embd])
	}

	for l, lw := range c.Weights.Layers {
		c.Scratch.UseBuf(0)
		c.Scratch.Claim(int64(n * embd * 4))

		cur := device.RMSNorm(inpL, lw.AttnNorm, n, embd, c.rmsEps)

		q := device.MatMul(cur, lw.Wq, n, embd, embd)
		kNew := device.MatMul(cur, lw.Wk, n, embd, embd)
		vNew := device.MatMul(cur, lw.Wv, n, embd, embd)

		// n_rot (config.Hyperparameters.RotSize) is always n_embd/n_head for
		// this checkpoint format, i.e. full rotary; RoPE below rotates the
		// whole head dimension rather than a partial prefix.
		device.RoPE(q, n, heads, headDim, nPast, c.theta)
		device.RoPE(kNew, n, heads, headDim, nPast, c.theta)

		c.Cache.WriteK(l, nPast, n, kNew)
		c.Cache.WriteV(l, nPast, n, vNew)

		attnOut := c.attention(l, n, nPast, heads, headDim, q)
		o := device.MatMul(attnOut, lw.Wo, n, embd, embd)

		inpSA := make([]float32, len(inpL))
		copy(inpSA, inpL)
		device.AddInPlace(o, inpSA) // o now holds inpSA + attention output

		c.Scratch.UseBuf(1)
		ff := c.Hparams.FFSize()
		c.Scratch.Claim(int64(n * ff * 4 * 2))

		h := device.RMSNorm(o, lw.FFNNorm, n, embd, c.rmsEps)
		gate := device.MatMul(h, lw.W1, n, ff, embd)
		up := device.MatMul(h, lw.W3, n, ff, embd)
		gated := device.SwiGLUElementwise(gate, up)
		ffnOut := device.MatMul(gated, lw.W2, n, embd, ff)

		device.AddInPlace(ffnOut, o) // ffnOut += inpFF (o, the post-attention residual)

		if c.ActivationLog != nil && c.ActivationLog.IsEnabled() {
			c.ActivationLog.LogLayer(l,
				GetMaxFromTensor(q), GetMaxFromTensor(kNew), GetMaxFromTensor(vNew),
				GetMaxFromTensor(o), GetMaxFromTensor(ffnOut),
				GetSampleFromTensor(q, 10), GetSampleFromTensor(kNew, 10), GetSampleFromTensor(vNew, 10),
				q, kNew, vNew, o, ffnOut)
		}

		inpL = ffnOut
	}

	c.Cache.Advance(n)

	c.Scratch.UseBuf(0)
	x := device.RMSNorm(inpL, c.Weights.Norm, n, embd, c.rmsEps)
	if c.WantEmbedding {
		c.Embeddings = append([]float32(nil), x[(n-1)*embd:n*embd]...)
		if c.ActivationLog != nil && c.ActivationLog.IsEnabled() {
			c.ActivationLog.LogEmbedding(c.Embeddings)
		}
	}
	c.Scratch.UseBuf(-1)

	logits := device.MatMul(x, c.Weights.Output, n, c.Hparams.VocabSize, embd)
	if c.LogitsAll {
		c.Logits = logits
	} else {
		vocab := c.Hparams.VocabSize
		c.Logits = append([]float32(nil), logits[(n-1)*vocab:n*vocab]...)
	}

	if c.ActivationLog != nil && c.ActivationLog.IsEnabled() {
		c.ActivationLog.LogLogits(c.Logits, tokens)
	}

	elapsed := time.Since(start)
	if n == 1 {
		c.Timings.EvalCalls++
		c.Timings.EvalTime += elapsed
		metrics.EvalDuration.Observe(elapsed.Seconds())
	} else {
		c.Timings.PromptEvalCalls++
		c.Timings.PromptEvalTime += elapsed
		metrics.PromptEvalDuration.Observe(elapsed.Seconds())
	}
	return nil
}

// attention computes softmax((K·Q)/sqrt(headDim)) · V for layer l over
// the n new query rows against all n_past+n cached positions, causally
// masked, §4.4 steps 5-7.
func (c *Context) attention(l, n, nPast, heads, headDim int, q []float32) []float32 {
	embd := heads * headDim
	total := nPast + n
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	k := c.Cache.ReadK(l, total)
	out := make([]float32, n*embd)
	scores := make([]float32, total)

	for r := 0; r < n; r++ {
		absPos := nPast + r
		for h := 0; h < heads; h++ {
			for p := 0; p <= absPos; p++ {
				var sum float32
				for hd := 0; hd < headDim; hd++ {
					sum += q[r*embd+h*headDim+hd] * k[p*embd+h*headDim+hd]
				}
				scores[p] = sum * scale
			}
			device.Softmax(scores[:absPos+1], 1, absPos+1)
			for hd := 0; hd < headDim; hd++ {
				var sum float32
				for p := 0; p <= absPos; p++ {
					sum += scores[p] * c.Cache.ReadV(l, p, hd, h)
				}
				out[r*embd+h*headDim+hd] = sum
			}
		}
	}
	return out
}
