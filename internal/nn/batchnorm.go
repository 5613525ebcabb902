package nn

import (
	"fmt"

	bornnn "github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Batch normalization defaults.
const (
	DefaultBNEpsilon  float32 = 1e-5
	DefaultBNMomentum float32 = 0.1
)

// BatchNorm normalizes each channel of a [batch, channels, ...] tensor.
//
// Formula: Y = gamma * (X - mean) / sqrt(var + eps) + beta
//
// In training mode mean and var are the statistics of the current batch, computed
// over the batch axis and every spatial position. The running estimates are
// updated as:
//
//	running = (1 - momentum) * running + momentum * batch_stat
//
// using the unbiased variance for running_var. In evaluation mode the running
// estimates are used instead of batch statistics.
//
// The same layer serves 1D, 2D and 3D feature maps.
type BatchNorm[B tensor.Backend] struct {
	Gamma *Parameter[B] // learnable scale [channels]
	Beta  *Parameter[B] // learnable shift [channels]

	runningMean *tensor.Tensor[float32, B] // [channels]
	runningVar  *tensor.Tensor[float32, B] // [channels]

	numFeatures int
	epsilon     float32
	momentum    float32
	training    bool
	backend     B
}

// NewBatchNorm creates a batch normalization layer in training mode.
//
// Gamma is initialised to ones and beta to zeros. Running mean starts at zero and
// running variance at one. A zero epsilon or momentum selects the default; use
// SetMomentum(0) to freeze the running statistics.
func NewBatchNorm[B tensor.Backend](numFeatures int, epsilon, momentum float32, backend B) *BatchNorm[B] {
	if numFeatures <= 0 {
		panic(fmt.Sprintf("batchnorm: invalid num features %d", numFeatures))
	}
	if epsilon == 0 {
		epsilon = DefaultBNEpsilon
	}
	if momentum == 0 {
		momentum = DefaultBNMomentum
	}
	if epsilon < 0 || momentum < 0 || momentum > 1 {
		panic(fmt.Sprintf("batchnorm: invalid epsilon=%g, momentum=%g", epsilon, momentum))
	}

	shape := tensor.Shape{numFeatures}
	return &BatchNorm[B]{
		Gamma:       bornnn.NewParameter("weight", bornnn.Ones(shape, backend)),
		Beta:        bornnn.NewParameter("bias", bornnn.Zeros(shape, backend)),
		runningMean: bornnn.Zeros(shape, backend),
		runningVar:  bornnn.Ones(shape, backend),
		numFeatures: numFeatures,
		epsilon:     epsilon,
		momentum:    momentum,
		training:    true,
		backend:     backend,
	}
}

// Forward normalizes the input.
//
// Shapes:
//   - input: [batch, channels, spatial...]
//   - output: same as input
func (bn *BatchNorm[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) < 2 {
		panic(fmt.Sprintf("batchnorm: expected at least 2D input [N,C,...], got %dD", len(shape)))
	}
	if shape[1] != bn.numFeatures {
		panic(fmt.Sprintf("batchnorm: input channels %d != expected %d", shape[1], bn.numFeatures))
	}

	batch := shape[0]
	positions := numPositions(shape[2:])
	c := bn.numFeatures
	rows := batch * positions

	// [N, C, S] -> [N, S, C] -> [N*S, C]
	x2 := x.Reshape(batch, c, positions).Transpose(0, 2, 1).Reshape(rows, c)

	// Per-channel rows are reduced with avg[1, N*S] @ x and expanded with
	// ones[N*S, 1] @ row, keeping every op shape-exact for autodiff.
	ones := tensor.Ones[float32](tensor.Shape{rows, 1}, bn.backend)

	var mean, variance, centered *tensor.Tensor[float32, B] // mean, variance: [1, C]
	if bn.training {
		if rows <= 1 {
			panic(fmt.Sprintf("batchnorm: expected more than 1 value per channel when training, got input shape %v", shape))
		}
		avg := tensor.Full[float32](tensor.Shape{1, rows}, 1/float32(rows), bn.backend)
		mean = avg.MatMul(x2)
		centered = x2.Sub(ones.MatMul(mean))
		variance = avg.MatMul(centered.Mul(centered))

		bn.updateRunningStats(mean.Data(), variance.Data(), rows)
	} else {
		mean = bn.runningMean.Reshape(1, c)
		variance = bn.runningVar.Reshape(1, c)
		centered = x2.Sub(ones.MatMul(mean))
	}

	eps := tensor.Full[float32](tensor.Shape{1, c}, bn.epsilon, bn.backend)
	scale := variance.Add(eps).Rsqrt().Mul(bn.Gamma.Tensor().Reshape(1, c))
	shift := bn.Beta.Tensor().Reshape(1, c)

	out := centered.Mul(ones.MatMul(scale)).Add(ones.MatMul(shift))

	// [N*S, C] -> [N, S, C] -> [N, C, S]
	return out.Reshape(batch, positions, c).Transpose(0, 2, 1).Reshape(shape...)
}

func (bn *BatchNorm[B]) updateRunningStats(batchMean, batchVar []float32, count int) {
	unbias := float32(count) / float32(count-1)
	rm := bn.runningMean.Data()
	rv := bn.runningVar.Data()
	m := bn.momentum
	for i := range rm {
		rm[i] = (1-m)*rm[i] + m*batchMean[i]
		rv[i] = (1-m)*rv[i] + m*batchVar[i]*unbias
	}
}

// Parameters returns [gamma, beta]. Running statistics are buffers, not parameters.
func (bn *BatchNorm[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{bn.Gamma, bn.Beta}
}

// Train switches the layer to batch statistics.
func (bn *BatchNorm[B]) Train() {
	bn.training = true
}

// Eval switches the layer to running statistics.
func (bn *BatchNorm[B]) Eval() {
	bn.training = false
}

// Training reports whether the layer is in training mode.
func (bn *BatchNorm[B]) Training() bool {
	return bn.training
}

// RunningMean returns the running mean buffer.
func (bn *BatchNorm[B]) RunningMean() []float32 {
	return bn.runningMean.Data()
}

// RunningVar returns the running variance buffer.
func (bn *BatchNorm[B]) RunningVar() []float32 {
	return bn.runningVar.Data()
}

// SetMomentum sets the running-statistics momentum. Zero freezes the running
// estimates while training still normalizes with batch statistics.
func (bn *BatchNorm[B]) SetMomentum(momentum float32) {
	if momentum < 0 || momentum > 1 {
		panic(fmt.Sprintf("batchnorm: invalid momentum=%g", momentum))
	}
	bn.momentum = momentum
}

// Momentum returns the running-statistics momentum.
func (bn *BatchNorm[B]) Momentum() float32 {
	return bn.momentum
}

// NumFeatures returns the number of channels.
func (bn *BatchNorm[B]) NumFeatures() int {
	return bn.numFeatures
}

// String returns a string representation of the layer.
func (bn *BatchNorm[B]) String() string {
	return fmt.Sprintf("BatchNorm(%d, eps=%g, momentum=%g)", bn.numFeatures, bn.epsilon, bn.momentum)
}

// StateDict returns parameters and running buffers.
func (bn *BatchNorm[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"weight":       bn.Gamma.Tensor().Raw(),
		"bias":         bn.Beta.Tensor().Raw(),
		"running_mean": bn.runningMean.Raw(),
		"running_var":  bn.runningVar.Raw(),
	}
}

// LoadStateDict loads parameters and running buffers.
func (bn *BatchNorm[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	targets := []struct {
		key string
		dst *tensor.Tensor[float32, B]
	}{
		{"weight", bn.Gamma.Tensor()},
		{"bias", bn.Beta.Tensor()},
		{"running_mean", bn.runningMean},
		{"running_var", bn.runningVar},
	}
	for _, t := range targets {
		if err := loadInto(stateDict, t.key, t.dst); err != nil {
			return err
		}
	}
	return nil
}

func (bn *BatchNorm[B]) zero() {
	fill(bn.Gamma.Tensor(), 0)
	fill(bn.Beta.Tensor(), 0)
}
