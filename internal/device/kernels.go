package device

import "math"

// Kernels consumed by the core forward pass (internal/engine) and the
// quantiser (internal/quantize). These are batched/N-token generalisations
// of the single-token CPURMSNorm/CPUMatMul/CPURoPE/CPUSwiGLU reference
// implementations kept elsewhere in this package for GQA comparison; they
// carry no build constraint because the core needs them on every platform,
// not just darwin+metal.

// RMSNorm normalises `rows` independent vectors of length `dim`, each
// scaled elementwise by weight.
func RMSNorm(input []float32, weight []float32, rows, dim int, eps float32) []float32 {
	out := make([]float32, rows*dim)
	for r := 0; r < rows; r++ {
		base := r * dim
		var ss float32
		for j := 0; j < dim; j++ {
			v := input[base+j]
			ss += v * v
		}
		scale := float32(1.0 / math.Sqrt(float64(ss/float32(dim)+eps)))
		for j := 0; j < dim; j++ {
			out[base+j] = input[base+j] * scale * weight[j]
		}
	}
	return out
}

// MatMul computes A * B^T where A is [rows,k] and B is [n,k] (B stored
// row-major with n rows of length k, i.e. already "transposed" the way
// model weight matrices are stored on disk), producing [rows,n].
func MatMul(a, b []float32, rows, n, k int) []float32 {
	out := make([]float32, rows*n)
	for i := 0; i < rows; i++ {
		arow := a[i*k : i*k+k]
		for j := 0; j < n; j++ {
			brow := b[j*k : j*k+k]
			var sum float32
			for l := 0; l < k; l++ {
				sum += arow[l] * brow[l]
			}
			out[i*n+j] = sum
		}
	}
	return out
}

// RoPE applies rotary position embedding in place to a [rows,heads,headDim]
// tensor, where row r (0-indexed) sits at absolute position posOffset+r.
func RoPE(x []float32, rows, heads, headDim int, posOffset int, theta float32) {
	half := headDim / 2
	for r := 0; r < rows; r++ {
		pos := posOffset + r
		rowBase := r * heads * headDim
		for h := 0; h < heads; h++ {
			headBase := rowBase + h*headDim
			for i := 0; i < half; i++ {
				freq := float64(pos) * math.Pow(float64(theta), -2.0*float64(i)/float64(headDim))
				cosv := float32(math.Cos(freq))
				sinv := float32(math.Sin(freq))
				x0 := x[headBase+i]
				x1 := x[headBase+i+half]
				x[headBase+i] = x0*cosv - x1*sinv
				x[headBase+i+half] = x0*sinv + x1*cosv
			}
		}
	}
}

// SiLU applies the sigmoid-linear-unit activation elementwise.
func SiLU(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
	return out
}

// SwiGLUElementwise computes silu(gate) ⊙ up for equal-length gate/up
// projections (the FFN gating step of §4.4 step 9).
func SwiGLUElementwise(gate, up []float32) []float32 {
	out := make([]float32, len(gate))
	for i := range gate {
		g := gate[i]
		s := g / (1 + float32(math.Exp(float64(-g))))
		out[i] = s * up[i]
	}
	return out
}

// Softmax normalises each row of an [rows,n] tensor in place.
func Softmax(x []float32, rows, n int) {
	for r := 0; r < rows; r++ {
		row := x[r*n : r*n+n]
		max := row[0]
		for _, v := range row {
			if v > max {
				max = v
			}
		}
		var sum float32
		for i, v := range row {
			e := float32(math.Exp(float64(v - max)))
			row[i] = e
			sum += e
		}
		if sum == 0 {
			sum = 1e-20
		}
		for i := range row {
			row[i] /= sum
		}
	}
}

// AddInPlace computes dst += src elementwise (used for residual connections).
func AddInPlace(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}
