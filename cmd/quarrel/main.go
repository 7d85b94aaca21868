package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	quarrel "github.com/23skdu/longbow-quarrel"
	"github.com/23skdu/longbow-quarrel/internal/config"
	"github.com/23skdu/longbow-quarrel/internal/logger"
	"github.com/23skdu/longbow-quarrel/internal/ollama"
	"github.com/23skdu/longbow-quarrel/internal/quantize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	modelPath     = flag.String("model", "", "Path to a checkpoint file or Ollama model reference")
	prompt        = flag.String("prompt", "Hello world", "Prompt to generate from")
	numTokens     = flag.Int("n", 20, "Number of tokens to generate")
	contextSize   = flag.Int("ctx", 2048, "Context window size")
	seed          = flag.Int64("seed", 0, "RNG seed (<=0 uses the current time)")
	temp          = flag.Float64("temp", 0.8, "Sampling temperature")
	topK          = flag.Int("top-k", 40, "Sampler top-k")
	topP          = flag.Float64("top-p", 0.95, "Sampler top-p")
	repeatPenalty = flag.Float64("repeat-penalty", 1.1, "Sampler repeat penalty")
	metricsAddr   = flag.String("metrics", ":9090", "Address to serve Prometheus metrics on")
	quantizeOut   = flag.String("quantize-out", "", "If set, quantize --model to this path to q4_0 and exit")
)

func main() {
	flag.Parse()
	logger.Setup("info", "console")

	if *modelPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --model flag is required")
		flag.Usage()
		os.Exit(1)
	}

	resolvedPath, err := ollama.ResolveModelPath(*modelPath)
	if err == nil {
		logger.Log.Info("resolved ollama model reference", "name", *modelPath, "path", resolvedPath)
		*modelPath = resolvedPath
	} else {
		logger.Log.Info("using direct checkpoint path", "path", *modelPath)
	}

	if *quantizeOut != "" {
		report, err := quantize.ModelQuantize(*modelPath, *quantizeOut, quantize.TargetQ4_0)
		if err != nil {
			logger.Log.Error("quantize failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("quantized %d tensors: %d -> %d bytes\n", len(report.Tensors), report.TotalOldSize, report.TotalNewSize)
		return
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("metrics endpoint listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Log.Warn("metrics server exited", "err", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Log.Info("loading model", "path", *modelPath)
	ctx, err := quarrel.Init(*modelPath, config.ContextParams{
		ContextSize: *contextSize,
		Seed:        *seed,
		UseMmap:     true,
	})
	if err != nil {
		logger.Log.Error("init failed", "err", err)
		os.Exit(1)
	}
	defer ctx.Free()

	inputTokens, _ := ctx.Tokenize(*prompt, true, ctx.NCtx())
	logger.Log.Info("encoded prompt", "prompt", *prompt, "tokens", len(inputTokens))

	doneChan := make(chan struct{})
	go func() {
		defer close(doneChan)
		start := time.Now()
		nPast := 0
		generated := make([]int, 0, *numTokens)

		if err := ctx.Eval(inputTokens, nPast, 4); err != nil {
			logger.Log.Error("prompt eval failed", "err", err)
			return
		}
		nPast += len(inputTokens)

		for i := 0; i < *numTokens; i++ {
			last := inputTokens
			if len(generated) > 0 {
				last = generated
			}
			tok := ctx.SampleTopPTopK(last, *topK, float32(*topP), float32(*temp), float32(*repeatPenalty))
			generated = append(generated, tok)
			if tok == quarrel.TokenEOS {
				break
			}
			if err := ctx.Eval([]int{tok}, nPast, 1); err != nil {
				logger.Log.Error("eval failed", "err", err)
				return
			}
			nPast++
		}

		elapsed := time.Since(start)
		logger.Log.Info("generation complete", "tokens", len(generated), "elapsed", elapsed)

		var text string
		for _, id := range generated {
			text += ctx.TokenToStr(id)
		}
		fmt.Println(text)
		fmt.Print(ctx.PrintTimings())
	}()

	select {
	case <-doneChan:
	case <-sigChan:
		logger.Log.Info("interrupt received, shutting down")
	}
}
