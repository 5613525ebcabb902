package nn

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// MaxPoolND is the sub-sampling pool of the non-local block.
//
// Kernel and stride are equal, there is no padding and output sizes are floored:
//
//	1D: kernel (2)       [N, C, L]       -> [N, C, L/2]
//	2D: kernel (2, 2)    [N, C, H, W]    -> [N, C, H/2, W/2]
//	3D: kernel (1, 2, 2) [N, C, T, H, W] -> [N, C, T, H/2, W/2]
//
// All three variants run on the backend's MaxPool2D, so autodiff backends record
// them like any other pooling layer:
//   - 2D maps directly.
//   - 3D folds time into the channel axis; the time kernel is 1.
//   - 1D stacks the sequence with itself to form a 2-row map, so a 2x2 window
//     covers exactly two neighbouring positions.
type MaxPoolND[B tensor.Backend] struct {
	dimension int
	backend   B
}

const poolKernel = 2

// NewMaxPoolND creates the sub-sampling pool for 1D, 2D or 3D feature maps.
func NewMaxPoolND[B tensor.Backend](dimension int, backend B) *MaxPoolND[B] {
	if dimension < 1 || dimension > 3 {
		panic(fmt.Sprintf("maxpool: invalid dimension %d", dimension))
	}
	return &MaxPoolND[B]{
		dimension: dimension,
		backend:   backend,
	}
}

// Forward performs the forward pass.
func (m *MaxPoolND[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 2+m.dimension {
		panic(fmt.Sprintf("maxpool: expected %dD input [N,C,...], got %dD", 2+m.dimension, len(shape)))
	}
	for _, axis := range m.pooledAxes() {
		if shape[axis] < poolKernel {
			panic(fmt.Sprintf("maxpool: axis %d has size %d, smaller than kernel %d", axis, shape[axis], poolKernel))
		}
	}

	n, c := shape[0], shape[1]
	switch m.dimension {
	case 1:
		l := shape[2]
		row := input.Reshape(n, c, 1, l)
		rows := tensor.Cat([]*tensor.Tensor[float32, B]{row, row}, 2) // [N, C, 2, L]
		return m.pool2D(rows).Reshape(n, c, l/poolKernel)
	case 2:
		return m.pool2D(input)
	default:
		t, h, w := shape[2], shape[3], shape[4]
		folded := input.Reshape(n, c*t, h, w)
		return m.pool2D(folded).Reshape(n, c, t, h/poolKernel, w/poolKernel)
	}
}

func (m *MaxPoolND[B]) pool2D(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	raw := m.backend.MaxPool2D(input.Raw(), poolKernel, poolKernel)
	return tensor.New[float32, B](raw, m.backend)
}

// pooledAxes returns the input axes reduced by the kernel.
func (m *MaxPoolND[B]) pooledAxes() []int {
	switch m.dimension {
	case 1:
		return []int{2}
	case 2:
		return []int{2, 3}
	default:
		return []int{3, 4}
	}
}

// Parameters returns an empty slice: pooling has no learnable parameters.
func (m *MaxPoolND[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{}
}

// StateDict returns an empty map.
func (m *MaxPoolND[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{}
}

// LoadStateDict is a no-op.
func (m *MaxPoolND[B]) LoadStateDict(map[string]*tensor.RawTensor) error {
	return nil
}

// Dimension returns the number of spatial axes.
func (m *MaxPoolND[B]) Dimension() int {
	return m.dimension
}

// KernelSize returns the kernel per spatial axis.
func (m *MaxPoolND[B]) KernelSize() []int {
	switch m.dimension {
	case 1:
		return []int{2}
	case 2:
		return []int{2, 2}
	default:
		return []int{1, 2, 2}
	}
}

// ComputeOutputSize returns the spatial output size for the given spatial input size.
func (m *MaxPoolND[B]) ComputeOutputSize(spatial ...int) []int {
	if len(spatial) != m.dimension {
		panic(fmt.Sprintf("maxpool: expected %d spatial sizes, got %d", m.dimension, len(spatial)))
	}
	kernel := m.KernelSize()
	out := make([]int, len(spatial))
	for i, s := range spatial {
		out[i] = s / kernel[i]
	}
	return out
}

// String returns a string representation of the layer.
func (m *MaxPoolND[B]) String() string {
	return fmt.Sprintf("MaxPool%dD(kernel_size=%v)", m.dimension, m.KernelSize())
}
