package nn

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/tensor"
)

// NonLocalBlock is the embedded-Gaussian non-local block.
//
// For an input x with S positions it computes
//
//	f    = theta(x)^T @ phi(x)          [S, K]
//	attn = softmax(f) along K
//	y    = attn @ g(x)^T                [S, inter]
//	z    = W(y) + x
//
// where theta, phi, g and W are pointwise convolutions. With sub-sampling enabled,
// phi and g are max-pooled so K < S. W is optionally followed by batch norm.
//
// The output projection starts at zero (the batch norm scale and shift when batch
// norm is enabled, otherwise the W weight and bias), so a freshly built block is the
// identity and can be inserted into a pretrained network without changing it.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	block := nn.NewNonLocalBlock2D(64, 0, true, true, backend)
//	z := block.Forward(x) // [8, 64, 14, 14] -> [8, 64, 14, 14]
type NonLocalBlock[B tensor.Backend] struct {
	cfg Config

	g     *PointwiseConv[B]
	theta *PointwiseConv[B]
	phi   *PointwiseConv[B]
	pool  *MaxPoolND[B] // nil without sub-sampling
	w     *PointwiseConv[B]
	bn    *BatchNorm[B] // nil without batch norm

	backend B
}

// NewNonLocalBlock builds a block from a config.
func NewNonLocalBlock[B tensor.Backend](cfg Config, backend B) (*NonLocalBlock[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Resolved()

	// In reference mode the query side (theta) and the output projection work on a
	// single frame, so they are 2D while g and phi still see the whole clip.
	refDims := cfg.Dimension
	if cfg.Reference {
		refDims = 2
	}

	b := &NonLocalBlock[B]{
		cfg:     cfg,
		g:       NewPointwiseConv(cfg.InChannels, cfg.InterChannels, cfg.Dimension, backend),
		theta:   NewPointwiseConv(cfg.InChannels, cfg.InterChannels, refDims, backend),
		phi:     NewPointwiseConv(cfg.InChannels, cfg.InterChannels, cfg.Dimension, backend),
		w:       NewPointwiseConv(cfg.InterChannels, cfg.InChannels, refDims, backend),
		backend: backend,
	}
	if cfg.SubSample {
		b.pool = NewMaxPoolND(cfg.Dimension, backend)
	}
	if cfg.BatchNorm {
		b.bn = NewBatchNorm(cfg.InChannels, cfg.BNEpsilon, cfg.BNMomentum, backend)
		b.bn.zero()
	} else {
		b.w.zero()
	}

	return b, nil
}

// NewNonLocalBlock1D creates a block for [batch, channels, length] inputs.
//
// interChannels = 0 selects inChannels/2 (at least 1). Panics on invalid arguments.
func NewNonLocalBlock1D[B tensor.Backend](inChannels, interChannels int, subSample, bnLayer bool, backend B) *NonLocalBlock[B] {
	return mustBlock(inChannels, interChannels, 1, subSample, bnLayer, backend)
}

// NewNonLocalBlock2D creates a block for [batch, channels, height, width] inputs.
//
// interChannels = 0 selects inChannels/2 (at least 1). Panics on invalid arguments.
func NewNonLocalBlock2D[B tensor.Backend](inChannels, interChannels int, subSample, bnLayer bool, backend B) *NonLocalBlock[B] {
	return mustBlock(inChannels, interChannels, 2, subSample, bnLayer, backend)
}

// NewNonLocalBlock3D creates a block for [batch, channels, time, height, width] inputs.
//
// interChannels = 0 selects inChannels/2 (at least 1). Panics on invalid arguments.
// Use NewNonLocalBlock with Config.Reference for the reference-frame variant.
func NewNonLocalBlock3D[B tensor.Backend](inChannels, interChannels int, subSample, bnLayer bool, backend B) *NonLocalBlock[B] {
	return mustBlock(inChannels, interChannels, 3, subSample, bnLayer, backend)
}

func mustBlock[B tensor.Backend](inChannels, interChannels, dimension int, subSample, bnLayer bool, backend B) *NonLocalBlock[B] {
	block, err := NewNonLocalBlock(Config{
		InChannels:    inChannels,
		InterChannels: interChannels,
		Dimension:     dimension,
		SubSample:     subSample,
		BatchNorm:     bnLayer,
	}, backend)
	if err != nil {
		panic(err.Error())
	}
	return block
}

// Forward computes z = W(y) + x.
//
// Input and output: [batch, in_channels, spatial...] with Dimension spatial axes.
func (b *NonLocalBlock[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	z, _ := b.ForwardWithMap(x)
	return z
}

// ForwardWithMap is Forward that also returns the attention map [batch, S, K].
func (b *NonLocalBlock[B]) ForwardWithMap(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	if b.cfg.Reference {
		panic("nonlocal: block is in reference mode, use ForwardRef")
	}
	b.validateInput(x)

	shape := x.Shape()
	batch := shape[0]
	positions := numPositions(shape[2:])

	// [b, S, inter]
	thetaX := b.theta.Forward(x).
		Reshape(batch, b.cfg.InterChannels, positions).
		Transpose(0, 2, 1)

	return b.attend(x, thetaX, x, shape)
}

// ForwardRef runs the block with queries from one reference frame.
//
// x is [batch, in_channels, time, height, width]; refIdx selects the frame along
// time and may be negative to count from the end. The output has the shape of the
// reference frame, [batch, in_channels, height, width], and is W(y) + x[:, :, refIdx].
func (b *NonLocalBlock[B]) ForwardRef(x *tensor.Tensor[float32, B], refIdx int) *tensor.Tensor[float32, B] {
	z, _ := b.ForwardRefWithMap(x, refIdx)
	return z
}

// ForwardRefWithMap is ForwardRef that also returns the attention map
// [batch, height*width, K].
func (b *NonLocalBlock[B]) ForwardRefWithMap(x *tensor.Tensor[float32, B], refIdx int) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	if !b.cfg.Reference {
		panic("nonlocal: ForwardRef requires a block built with Config.Reference")
	}
	b.validateInput(x)

	shape := x.Shape()
	batch, channels, frames, h, w := shape[0], shape[1], shape[2], shape[3], shape[4]

	idx := refIdx
	if idx < 0 {
		idx += frames
	}
	if idx < 0 || idx >= frames {
		panic(fmt.Sprintf("nonlocal: reference index %d out of range for %d frames", refIdx, frames))
	}

	xRef := x.Chunk(frames, 2)[idx].Reshape(batch, channels, h, w)

	thetaX := b.theta.Forward(xRef).
		Reshape(batch, b.cfg.InterChannels, h*w).
		Transpose(0, 2, 1)

	return b.attend(x, thetaX, xRef, xRef.Shape())
}

// attend runs the g/phi branches on x, attends with the given queries and adds
// the projected result to residual. outShape is the spatial layout of the queries.
func (b *NonLocalBlock[B]) attend(
	x, thetaX, residual *tensor.Tensor[float32, B],
	outShape tensor.Shape,
) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	batch := outShape[0]
	inter := b.cfg.InterChannels

	gX := b.g.Forward(x)
	phiX := b.phi.Forward(x)
	if b.pool != nil {
		gX = b.pool.Forward(gX)
		phiX = b.pool.Forward(phiX)
	}
	keys := numPositions(gX.Shape()[2:])

	gX = gX.Reshape(batch, inter, keys).Transpose(0, 2, 1) // [b, K, inter]
	phiX = phiX.Reshape(batch, inter, keys)                 // [b, inter, K]

	f := thetaX.BatchMatMul(phiX) // [b, S, K]
	queries := f.Shape()[1]

	// Autodiff softmax is 2D only: normalize over keys on a [b*S, K] view.
	attn := f.Reshape(batch*queries, keys).Softmax(-1).Reshape(batch, queries, keys)

	y := attn.BatchMatMul(gX).Transpose(0, 2, 1) // [b, inter, S]
	yShape := append([]int{batch, inter}, outShape[2:]...)
	y = y.Reshape(yShape...)

	wY := b.w.Forward(y)
	if b.bn != nil {
		wY = b.bn.Forward(wY)
	}

	return wY.Add(residual), attn
}

func (b *NonLocalBlock[B]) validateInput(x *tensor.Tensor[float32, B]) {
	shape := x.Shape()
	if len(shape) != 2+b.cfg.Dimension {
		panic(fmt.Sprintf("nonlocal: expected %dD input [N,C,...], got %dD", 2+b.cfg.Dimension, len(shape)))
	}
	if shape[1] != b.cfg.InChannels {
		panic(fmt.Sprintf("nonlocal: input channels %d != expected %d", shape[1], b.cfg.InChannels))
	}
}

// Parameters returns all trainable parameters in the order g, theta, phi, W, BN.
func (b *NonLocalBlock[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	params = append(params, b.g.Parameters()...)
	params = append(params, b.theta.Parameters()...)
	params = append(params, b.phi.Parameters()...)
	params = append(params, b.w.Parameters()...)
	if b.bn != nil {
		params = append(params, b.bn.Parameters()...)
	}
	return params
}

// Train puts the block in training mode.
func (b *NonLocalBlock[B]) Train() {
	if b.bn != nil {
		b.bn.Train()
	}
}

// Eval puts the block in evaluation mode.
func (b *NonLocalBlock[B]) Eval() {
	if b.bn != nil {
		b.bn.Eval()
	}
}

// Training reports whether the block is in training mode. A block without batch
// norm behaves the same in both modes and always reports true.
func (b *NonLocalBlock[B]) Training() bool {
	return b.bn == nil || b.bn.Training()
}

// Config returns the resolved configuration.
func (b *NonLocalBlock[B]) Config() Config {
	return b.cfg
}

// InChannels returns the number of input (and output) channels.
func (b *NonLocalBlock[B]) InChannels() int {
	return b.cfg.InChannels
}

// InterChannels returns the width of the embedding branches.
func (b *NonLocalBlock[B]) InterChannels() int {
	return b.cfg.InterChannels
}

// Dimension returns the number of spatial axes of the input.
func (b *NonLocalBlock[B]) Dimension() int {
	return b.cfg.Dimension
}

// G returns the g projection.
func (b *NonLocalBlock[B]) G() *PointwiseConv[B] { return b.g }

// Theta returns the theta projection.
func (b *NonLocalBlock[B]) Theta() *PointwiseConv[B] { return b.theta }

// Phi returns the phi projection.
func (b *NonLocalBlock[B]) Phi() *PointwiseConv[B] { return b.phi }

// W returns the output projection.
func (b *NonLocalBlock[B]) W() *PointwiseConv[B] { return b.w }

// BatchNorm returns the batch norm after W, or nil.
func (b *NonLocalBlock[B]) BatchNorm() *BatchNorm[B] { return b.bn }

// String returns a string representation of the block.
func (b *NonLocalBlock[B]) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "NonLocalBlock%dD(\n", b.cfg.Dimension)
	fmt.Fprintf(&sb, "  (g): %s\n", b.g)
	fmt.Fprintf(&sb, "  (theta): %s\n", b.theta)
	fmt.Fprintf(&sb, "  (phi): %s\n", b.phi)
	if b.pool != nil {
		fmt.Fprintf(&sb, "  (pool): %s\n", b.pool)
	}
	fmt.Fprintf(&sb, "  (W): %s\n", b.w)
	if b.bn != nil {
		fmt.Fprintf(&sb, "  (bn): %s\n", b.bn)
	}
	sb.WriteString(")")
	return sb.String()
}

// State dict prefixes mirror the usual checkpoint layout: a sub-sampled branch is a
// (conv, pool) sequence and W with batch norm is a (conv, bn) sequence.
func (b *NonLocalBlock[B]) prefixes() (g, phi, w, bn string) {
	g, phi, w = "g", "phi", "W"
	if b.pool != nil {
		g, phi = "g.0", "phi.0"
	}
	if b.bn != nil {
		w, bn = "W.0", "W.1"
	}
	return g, phi, w, bn
}

// StateDict returns all parameters and buffers keyed by their checkpoint names.
func (b *NonLocalBlock[B]) StateDict() map[string]*tensor.RawTensor {
	gp, phip, wp, bnp := b.prefixes()

	stateDict := make(map[string]*tensor.RawTensor)
	withPrefix(stateDict, b.g.StateDict(), gp)
	withPrefix(stateDict, b.theta.StateDict(), "theta")
	withPrefix(stateDict, b.phi.StateDict(), phip)
	withPrefix(stateDict, b.w.StateDict(), wp)
	if b.bn != nil {
		withPrefix(stateDict, b.bn.StateDict(), bnp)
	}
	return stateDict
}

type namedLoader struct {
	prefix string
	module interface {
		LoadStateDict(map[string]*tensor.RawTensor) error
	}
}

// LoadStateDict loads parameters and buffers saved by StateDict.
func (b *NonLocalBlock[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	gp, phip, wp, bnp := b.prefixes()

	children := []namedLoader{
		{gp, b.g},
		{"theta", b.theta},
		{phip, b.phi},
		{wp, b.w},
	}
	if b.bn != nil {
		children = append(children, namedLoader{bnp, b.bn})
	}

	for _, child := range children {
		if err := child.module.LoadStateDict(subDict(stateDict, child.prefix)); err != nil {
			return fmt.Errorf("%s: %w", child.prefix, err)
		}
	}
	return nil
}
