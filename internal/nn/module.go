// Package nn implements the non-local block and the layers it is built from.
//
// The layers follow Born's module conventions (Forward, Parameters, StateDict,
// LoadStateDict) so they compose with Born models, optimisers and serialization:
//   - PointwiseConv: 1x...x1 convolution over 1D/2D/3D feature maps
//   - BatchNorm: channel-wise batch normalization with running statistics
//   - MaxPoolND: sub-sampling pool with kernels (2), (2, 2) and (1, 2, 2)
//   - NonLocalBlock: embedded-Gaussian non-local block
//
// All numerical work is delegated to Born tensors, so any backend (including the
// autodiff decorator) can drive these layers.
package nn

import (
	"fmt"
	"strings"

	bornnn "github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Parameter is Born's trainable parameter type.
type Parameter[B tensor.Backend] = bornnn.Parameter[B]

// Module is Born's module interface. Every layer in this package satisfies it.
type Module[B tensor.Backend] = bornnn.Module[B]

// loadInto copies stateDict[key] into dst after validating shape and dtype.
func loadInto[B tensor.Backend](stateDict map[string]*tensor.RawTensor, key string, dst *tensor.Tensor[float32, B]) error {
	raw, ok := stateDict[key]
	if !ok {
		return fmt.Errorf("missing %s in state dict", key)
	}
	if !raw.Shape().Equal(dst.Shape()) {
		return fmt.Errorf("%s shape mismatch: expected %v, got %v", key, dst.Shape(), raw.Shape())
	}
	if raw.DType() != tensor.Float32 {
		return fmt.Errorf("%s dtype mismatch: expected float32, got %v", key, raw.DType())
	}
	copy(dst.Data(), raw.AsFloat32())
	return nil
}

// withPrefix copies src into dst with keys prefixed by "prefix.".
func withPrefix(dst, src map[string]*tensor.RawTensor, prefix string) {
	for k, v := range src {
		dst[prefix+"."+k] = v
	}
}

// subDict extracts the entries under "prefix." with the prefix stripped.
func subDict(stateDict map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	p := prefix + "."
	for k, v := range stateDict {
		if rest, ok := strings.CutPrefix(k, p); ok {
			out[rest] = v
		}
	}
	return out
}

func fill[B tensor.Backend](t *tensor.Tensor[float32, B], value float32) {
	data := t.Data()
	for i := range data {
		data[i] = value
	}
}
