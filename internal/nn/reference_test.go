package nn

import (
	"math"

	"github.com/born-ml/born/tensor"
	"gonum.org/v1/gonum/mat"
)

// referenceNonLocal computes the block output with gonum, one sample at a time.
//
// x is the flattened input of the given shape. Sub-sampling, batch norm (batch
// statistics in training mode, running statistics in eval mode) and reference mode
// follow the block's config. refIdx is the non-negative query frame of a reference
// block and is ignored otherwise. Must run before the block's Forward, which moves
// the running statistics.
func referenceNonLocal(block *NonLocalBlock[testBackend], x []float32, shape tensor.Shape, refIdx int) []float32 {
	cfg := block.Config()
	batch, channels := shape[0], shape[1]
	spatial := []int(shape[2:])
	positions := numPositions(spatial)

	var kernel []int
	if cfg.SubSample {
		kernel = block.pool.KernelSize()
	}

	wys := make([]*mat.Dense, batch)
	residuals := make([]*mat.Dense, batch)
	for n := 0; n < batch; n++ {
		xm := mat.NewDense(channels, positions, toFloat64(x[n*channels*positions:(n+1)*channels*positions]))

		queries := mat.Matrix(xm)
		if cfg.Reference {
			frame := positions / spatial[0]
			queries = xm.Slice(0, channels, refIdx*frame, (refIdx+1)*frame)
		}
		residuals[n] = mat.DenseCopyOf(queries)

		theta := project(block.Theta(), queries)
		phi := project(block.Phi(), xm)
		g := project(block.G(), xm)
		if kernel != nil {
			phi = maxPoolColumns(phi, spatial, kernel)
			g = maxPoolColumns(g, spatial, kernel)
		}

		var f mat.Dense
		f.Mul(theta.T(), phi) // [S, K]
		softmaxRows(&f)

		var y mat.Dense
		y.Mul(&f, g.T()) // [S, inter]

		wys[n] = project(block.W(), y.T())
	}

	if bn := block.BatchNorm(); bn != nil {
		batchNormColumns(wys, bn, float64(cfg.BNEpsilon))
	}

	var out []float32
	for n := range wys {
		var z mat.Dense
		z.Add(wys[n], residuals[n])
		rows, cols := z.Dims()
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				out = append(out, float32(z.At(r, c)))
			}
		}
	}
	return out
}

// project returns W @ x + b for a pointwise conv, with x as [in, positions].
func project(conv *PointwiseConv[testBackend], x mat.Matrix) *mat.Dense {
	w := toFloat64(conv.Weight().Tensor().Data())
	b := toFloat64(conv.Bias().Tensor().Data())
	wm := mat.NewDense(conv.OutChannels(), conv.InChannels(), w)

	var out mat.Dense
	out.Mul(wm, x)
	rows, cols := out.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Set(r, c, out.At(r, c)+b[r])
		}
	}
	return &out
}

// maxPoolColumns pools the row-major spatial layout of each row with stride equal
// to kernel, flooring output sizes.
func maxPoolColumns(m *mat.Dense, spatial, kernel []int) *mat.Dense {
	rows, _ := m.Dims()
	outSize := make([]int, len(spatial))
	for i := range spatial {
		outSize[i] = spatial[i] / kernel[i]
	}
	outPositions := numPositions(outSize)
	window := numPositions(kernel)

	pooled := mat.NewDense(rows, outPositions, nil)
	for o := 0; o < outPositions; o++ {
		at := unravel(o, outSize)
		for r := 0; r < rows; r++ {
			best := math.Inf(-1)
			for w := 0; w < window; w++ {
				off := unravel(w, kernel)
				in := 0
				for i := range spatial {
					in = in*spatial[i] + at[i]*kernel[i] + off[i]
				}
				best = math.Max(best, m.At(r, in))
			}
			pooled.Set(r, o, best)
		}
	}
	return pooled
}

func unravel(flat int, dims []int) []int {
	idx := make([]int, len(dims))
	for i := len(dims) - 1; i >= 0; i-- {
		idx[i] = flat % dims[i]
		flat /= dims[i]
	}
	return idx
}

// batchNormColumns normalizes each channel row across all samples in place.
func batchNormColumns(xs []*mat.Dense, bn *BatchNorm[testBackend], eps float64) {
	channels, cols := xs[0].Dims()
	gamma := toFloat64(bn.Gamma.Tensor().Data())
	beta := toFloat64(bn.Beta.Tensor().Data())

	for c := 0; c < channels; c++ {
		var mean, variance float64
		if bn.Training() {
			count := float64(len(xs) * cols)
			for _, x := range xs {
				for p := 0; p < cols; p++ {
					mean += x.At(c, p)
				}
			}
			mean /= count
			for _, x := range xs {
				for p := 0; p < cols; p++ {
					d := x.At(c, p) - mean
					variance += d * d
				}
			}
			variance /= count
		} else {
			mean = float64(bn.RunningMean()[c])
			variance = float64(bn.RunningVar()[c])
		}

		scale := gamma[c] / math.Sqrt(variance+eps)
		for _, x := range xs {
			for p := 0; p < cols; p++ {
				x.Set(c, p, (x.At(c, p)-mean)*scale+beta[c])
			}
		}
	}
}

func softmaxRows(m *mat.Dense) {
	rows, cols := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		maxVal := row[0]
		for _, v := range row[1:] {
			maxVal = math.Max(maxVal, v)
		}
		sum := 0.0
		for c := 0; c < cols; c++ {
			row[c] = math.Exp(row[c] - maxVal)
			sum += row[c]
		}
		for c := 0; c < cols; c++ {
			row[c] /= sum
		}
	}
}

func toFloat64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}
