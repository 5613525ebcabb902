package nn

import (
	"math"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/require"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

func newTestBackend() testBackend {
	return autodiff.New(cpu.New())
}

// seqTensor returns a tensor filled with a deterministic, non-trivial pattern.
func seqTensor(t *testing.T, shape tensor.Shape, backend testBackend, scale float64) *tensor.Tensor[float32, testBackend] {
	t.Helper()
	n := numPositions(shape)
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(scale * math.Sin(0.37*float64(i)+0.1))
	}
	x, err := tensor.FromSlice(data, shape, backend)
	require.NoError(t, err)
	return x
}

// setPattern overwrites a parameter with a deterministic pattern.
func setPattern(p *Parameter[testBackend], phase float64) {
	data := p.Tensor().Data()
	for i := range data {
		data[i] = float32(0.5 * math.Cos(0.53*float64(i)+phase))
	}
}

func assertClose(t *testing.T, expected, actual []float32, tol float64) {
	t.Helper()
	require.Equal(t, len(expected), len(actual), "length mismatch")
	for i := range expected {
		if math.Abs(float64(expected[i]-actual[i])) > tol {
			t.Fatalf("element %d: expected %v, got %v (tol %g)", i, expected[i], actual[i], tol)
		}
	}
}

func clone(data []float32) []float32 {
	return append([]float32(nil), data...)
}
