package quantize

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-quarrel/internal/checkpoint"
	"github.com/23skdu/longbow-quarrel/internal/config"
	"github.com/23skdu/longbow-quarrel/internal/device"
	"github.com/23skdu/longbow-quarrel/internal/logger"
	"github.com/23skdu/longbow-quarrel/internal/metrics"
)

// TargetType is the subset of checkpoint.ElementType this package can
// produce, §4.8.
type TargetType int

const (
	TargetQ4_0 TargetType = iota
	TargetQ4_1
)

// TensorReport describes the outcome of quantising one tensor.
type TensorReport struct {
	Name         string
	OriginalSize int64
	NewSize      int64
	Histogram    [16]int
	Passed       bool // false for tensors copied through unchanged
}

// Report is the aggregate result of model_quantize, §4.8/§6.
type Report struct {
	Tensors         []TensorReport
	TotalOldSize    int64
	TotalNewSize    int64
	AggregateHisto  [16]int
}

// ModelQuantize implements model_quantize(in_path, out_path, ftype), §6.
// It loads every shard with mmap disabled, rewrites 2-D "*weight"
// tensors in the target block format, and copies everything else
// through unchanged, emitting a single V2 ("ggjt") output file.
func ModelQuantize(inPath, outPath string, target TargetType) (*Report, error) {
	m, err := checkpoint.Load(inPath, checkpoint.LoadOptions{UseMmap: false})
	if err != nil {
		return nil, fmt.Errorf("model_quantize: load: %w", err)
	}
	defer m.Close()

	if m.Version == checkpoint.V0 {
		// §4.1: V0 never carried real vocabulary scores, so the V2 writer
		// below zero-fills them (writer.go's WriteHeader docs this as the
		// caller's responsibility to flag).
		logger.Log.Warn("quantizing from a V0 checkpoint: output vocabulary scores will be zero-filled",
			"path", inPath)
	}

	hparams := m.Hparams
	hparams.FType = targetFType(target)

	w, err := checkpoint.NewWriter(outPath)
	if err != nil {
		return nil, fmt.Errorf("model_quantize: create output: %w", err)
	}
	defer w.Close()

	if err := w.WriteHeader(hparams, m.Vocab); err != nil {
		return nil, fmt.Errorf("model_quantize: write header: %w", err)
	}

	report := &Report{}
	names := m.TensorNames()
	for i, name := range names {
		data, ne, err := m.GetTensor(name)
		if err != nil {
			return nil, fmt.Errorf("model_quantize: tensor %s: %w", name, err)
		}
		originalSize := checkpoint.PayloadSize(checkpoint.TypeF32, len(data))

		if shouldQuantize(name, ne) {
			rows, cols := rowsCols(ne)
			var packed []byte
			var histo [16]int
			switch target {
			case TargetQ4_0:
				packed, histo = device.QuantizeQ4_0(data, rows, cols)
			case TargetQ4_1:
				packed, histo = device.QuantizeQ4_1(data, rows, cols)
			}
			elemType := targetElementType(target)
			if err := w.WriteTensor(name, ne, elemType, packed); err != nil {
				return nil, fmt.Errorf("model_quantize: write tensor %s: %w", name, err)
			}
			rep := TensorReport{
				Name:         name,
				OriginalSize: originalSize,
				NewSize:      int64(len(packed)),
				Histogram:    histo,
				Passed:       true,
			}
			report.Tensors = append(report.Tensors, rep)
			for code, count := range histo {
				report.AggregateHisto[code] += count
				metrics.QuantizeHistogram.WithLabelValues(fmt.Sprintf("%d", code)).Add(float64(count))
			}
			report.TotalNewSize += rep.NewSize
		} else {
			raw := f32ToBytes(data)
			if err := w.WriteTensor(name, ne, checkpoint.TypeF32, raw); err != nil {
				return nil, fmt.Errorf("model_quantize: pass-through tensor %s: %w", name, err)
			}
			report.Tensors = append(report.Tensors, TensorReport{
				Name: name, OriginalSize: originalSize, NewSize: originalSize, Passed: false,
			})
			report.TotalNewSize += originalSize
		}
		report.TotalOldSize += originalSize
		_ = i
	}

	metrics.QuantizeSizeDelta.Set(float64(report.TotalNewSize - report.TotalOldSize))
	return report, nil
}

// shouldQuantize implements §4.8 step 2's selection rule: the name ends
// with the literal "weight" and the tensor is 2-D.
func shouldQuantize(name string, ne []int) bool {
	return strings.HasSuffix(name, "weight") && len(ne) == 2
}

func rowsCols(ne []int) (rows, cols int) {
	return ne[1], ne[0]
}

func targetFType(t TargetType) config.FType {
	switch t {
	case TargetQ4_0:
		return config.FTypeMostlyQ4_0
	case TargetQ4_1:
		return config.FTypeMostlyQ4_1
	default:
		return config.FTypeMostlyQ4_0
	}
}

func targetElementType(t TargetType) checkpoint.ElementType {
	switch t {
	case TargetQ4_0:
		return checkpoint.TypeQ4_0
	case TargetQ4_1:
		return checkpoint.TypeQ4_1
	default:
		return checkpoint.TypeQ4_0
	}
}

func f32ToBytes(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
	}
	return out
}
