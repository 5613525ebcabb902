package nn

import (
	"fmt"

	bornnn "github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// PointwiseConv is a convolution with a kernel of size 1 along every spatial axis.
//
// It mixes channels at each position independently:
//
//	output[n, :, p] = W @ input[n, :, p] + bias
//
// Input shape:  [batch, in_channels, s1, ..., sd]
// Weight shape: [out_channels, in_channels, 1, ..., 1] (d trailing ones)
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, s1, ..., sd]
//
// The layer accepts any number of spatial axes, so one implementation serves the
// 1D, 2D and 3D variants. spatialDims only fixes the weight rank (for state dict
// compatibility) and the expected input rank.
//
// Example:
//
//	conv := nn.NewPointwiseConv(64, 32, 2, backend)
//	output := conv.Forward(input) // [8, 64, 14, 14] -> [8, 32, 14, 14]
type PointwiseConv[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	spatialDims int

	weight *Parameter[B] // [out_channels, in_channels, 1, ..., 1]
	bias   *Parameter[B] // [out_channels]

	backend B
}

// NewPointwiseConv creates a pointwise convolution with Xavier-initialised weights
// and zero bias.
//
// Parameters:
//   - inChannels: Number of input channels
//   - outChannels: Number of output channels
//   - spatialDims: Number of spatial axes (1, 2 or 3)
//   - backend: Backend for computation
func NewPointwiseConv[B tensor.Backend](inChannels, outChannels, spatialDims int, backend B) *PointwiseConv[B] {
	if inChannels <= 0 || outChannels <= 0 {
		panic(fmt.Sprintf("pointwise: invalid channels in=%d, out=%d", inChannels, outChannels))
	}
	if spatialDims < 1 || spatialDims > 3 {
		panic(fmt.Sprintf("pointwise: invalid spatial dims %d", spatialDims))
	}

	// Kernel volume is 1, so fan_in/fan_out are just the channel counts.
	weight := bornnn.Xavier(inChannels, outChannels, pointwiseWeightShape(outChannels, inChannels, spatialDims), backend)
	bias := bornnn.Zeros(tensor.Shape{outChannels}, backend)

	return &PointwiseConv[B]{
		inChannels:  inChannels,
		outChannels: outChannels,
		spatialDims: spatialDims,
		weight:      bornnn.NewParameter("weight", weight),
		bias:        bornnn.NewParameter("bias", bias),
		backend:     backend,
	}
}

func pointwiseWeightShape(outChannels, inChannels, spatialDims int) tensor.Shape {
	shape := tensor.Shape{outChannels, inChannels}
	for i := 0; i < spatialDims; i++ {
		shape = append(shape, 1)
	}
	return shape
}

// Forward performs the forward pass.
//
// Input: [batch, in_channels, spatial...]
// Output: [batch, out_channels, spatial...].
func (c *PointwiseConv[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	inputShape := input.Shape()
	if len(inputShape) != 2+c.spatialDims {
		panic(fmt.Sprintf("pointwise: expected %dD input [N,C,...], got %dD", 2+c.spatialDims, len(inputShape)))
	}
	if inputShape[1] != c.inChannels {
		panic(fmt.Sprintf("pointwise: input channels %d != expected %d", inputShape[1], c.inChannels))
	}

	batch := inputShape[0]
	spatial := inputShape[2:]
	positions := numPositions(spatial)

	// [N, Cin, S] -> [N, S, Cin] -> [N*S, Cin]
	x := input.Reshape(batch, c.inChannels, positions).
		Transpose(0, 2, 1).
		Reshape(batch*positions, c.inChannels)

	// [N*S, Cin] @ [Cin, Cout] = [N*S, Cout]
	wT := c.weight.Tensor().Reshape(c.outChannels, c.inChannels).Transpose(1, 0)
	out := x.MatMul(wT)

	// Expand bias with ones[N*S, 1] @ bias[1, Cout] so its gradient sums over rows.
	ones := tensor.Ones[float32](tensor.Shape{batch * positions, 1}, c.backend)
	out = out.Add(ones.MatMul(c.bias.Tensor().Reshape(1, c.outChannels)))

	// [N*S, Cout] -> [N, S, Cout] -> [N, Cout, S]
	out = out.Reshape(batch, positions, c.outChannels).Transpose(0, 2, 1)

	outShape := append([]int{batch, c.outChannels}, spatial...)
	return out.Reshape(outShape...)
}

// Parameters returns [weight, bias].
func (c *PointwiseConv[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{c.weight, c.bias}
}

// Weight returns the weight parameter.
func (c *PointwiseConv[B]) Weight() *Parameter[B] {
	return c.weight
}

// Bias returns the bias parameter.
func (c *PointwiseConv[B]) Bias() *Parameter[B] {
	return c.bias
}

// InChannels returns the number of input channels.
func (c *PointwiseConv[B]) InChannels() int {
	return c.inChannels
}

// OutChannels returns the number of output channels.
func (c *PointwiseConv[B]) OutChannels() int {
	return c.outChannels
}

// SpatialDims returns the number of spatial axes the layer expects.
func (c *PointwiseConv[B]) SpatialDims() int {
	return c.spatialDims
}

// String returns a string representation of the layer.
func (c *PointwiseConv[B]) String() string {
	return fmt.Sprintf("Conv%dD(in_channels=%d, out_channels=%d, kernel_size=1, stride=1)",
		c.spatialDims, c.inChannels, c.outChannels)
}

// StateDict returns a map of parameter names to raw tensors.
func (c *PointwiseConv[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"weight": c.weight.Tensor().Raw(),
		"bias":   c.bias.Tensor().Raw(),
	}
}

// LoadStateDict loads parameters from a state dictionary.
func (c *PointwiseConv[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadInto(stateDict, "weight", c.weight.Tensor()); err != nil {
		return err
	}
	return loadInto(stateDict, "bias", c.bias.Tensor())
}

func (c *PointwiseConv[B]) zero() {
	fill(c.weight.Tensor(), 0)
	fill(c.bias.Tensor(), 0)
}

// numPositions returns the product of the spatial dimensions.
func numPositions(spatial []int) int {
	n := 1
	for _, d := range spatial {
		n *= d
	}
	return n
}
