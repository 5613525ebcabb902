// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"fmt"

	"github.com/born-ml/born/backend/cpu"
	bornnn "github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/nonlocal/internal/nn"
)

// ModelType is the model type recorded in checkpoints written by Save.
const ModelType = "NonLocalBlock"

// Compile-time check that the block is a Born module.
var _ bornnn.Module[*cpu.Backend] = (*NonLocalBlock[*cpu.Backend])(nil)

// Configuration

// Config describes a non-local block.
type Config = nn.Config

// ErrInvalidConfig is returned for configurations that cannot be built.
var ErrInvalidConfig = nn.ErrInvalidConfig

// DefaultConfig returns a config with sub-sampling and batch norm enabled.
//
// Example:
//
//	cfg := nn.DefaultConfig(64, 2)
//	cfg.InterChannels = 16
func DefaultConfig(inChannels, dimension int) Config {
	return nn.DefaultConfig(inChannels, dimension)
}

// ParseConfig decodes a YAML block config.
//
// Example:
//
//	cfg, err := nn.ParseConfig([]byte("in_channels: 64\ndimension: 3\n"))
func ParseConfig(data []byte) (Config, error) {
	return nn.ParseConfig(data)
}

// Blocks

// NonLocalBlock is the embedded-Gaussian non-local block.
type NonLocalBlock[B tensor.Backend] = nn.NonLocalBlock[B]

// NewNonLocalBlock creates a block from a config.
//
// Example:
//
//	backend := cpu.New()
//	cfg := nn.DefaultConfig(64, 3)
//	cfg.Reference = true
//	block, err := nn.NewNonLocalBlock(cfg, backend)
func NewNonLocalBlock[B tensor.Backend](cfg Config, backend B) (*NonLocalBlock[B], error) {
	return nn.NewNonLocalBlock(cfg, backend)
}

// NewNonLocalBlock1D creates a block for [batch, channels, length] inputs.
//
// Example:
//
//	block := nn.NewNonLocalBlock1D(32, 0, true, true, backend) // inter_channels=16
func NewNonLocalBlock1D[B tensor.Backend](inChannels, interChannels int, subSample, bnLayer bool, backend B) *NonLocalBlock[B] {
	return nn.NewNonLocalBlock1D(inChannels, interChannels, subSample, bnLayer, backend)
}

// NewNonLocalBlock2D creates a block for [batch, channels, height, width] inputs.
//
// Example:
//
//	block := nn.NewNonLocalBlock2D(14, 0, false, true, backend)
//	z := block.Forward(img) // [2, 14, 20, 20] -> [2, 14, 20, 20]
func NewNonLocalBlock2D[B tensor.Backend](inChannels, interChannels int, subSample, bnLayer bool, backend B) *NonLocalBlock[B] {
	return nn.NewNonLocalBlock2D(inChannels, interChannels, subSample, bnLayer, backend)
}

// NewNonLocalBlock3D creates a block for [batch, channels, time, height, width] inputs.
//
// Example:
//
//	block := nn.NewNonLocalBlock3D(14, 0, false, true, backend)
//	z := block.Forward(clip) // [2, 14, 8, 20, 20] -> [2, 14, 8, 20, 20]
func NewNonLocalBlock3D[B tensor.Backend](inChannels, interChannels int, subSample, bnLayer bool, backend B) *NonLocalBlock[B] {
	return nn.NewNonLocalBlock3D(inChannels, interChannels, subSample, bnLayer, backend)
}

// Layers

// PointwiseConv is a kernel-size-1 convolution over 1D/2D/3D feature maps.
type PointwiseConv[B tensor.Backend] = nn.PointwiseConv[B]

// NewPointwiseConv creates a pointwise convolution.
func NewPointwiseConv[B tensor.Backend](inChannels, outChannels, spatialDims int, backend B) *PointwiseConv[B] {
	return nn.NewPointwiseConv(inChannels, outChannels, spatialDims, backend)
}

// BatchNorm is channel-wise batch normalization with running statistics.
type BatchNorm[B tensor.Backend] = nn.BatchNorm[B]

// NewBatchNorm creates a batch normalization layer. Zero epsilon or momentum
// selects the default (1e-5, 0.1); call SetMomentum(0) to freeze the running
// statistics.
func NewBatchNorm[B tensor.Backend](numFeatures int, epsilon, momentum float32, backend B) *BatchNorm[B] {
	return nn.NewBatchNorm(numFeatures, epsilon, momentum, backend)
}

// MaxPoolND is the sub-sampling pool with kernels (2), (2, 2) and (1, 2, 2).
type MaxPoolND[B tensor.Backend] = nn.MaxPoolND[B]

// NewMaxPoolND creates the sub-sampling pool for the given number of spatial axes.
func NewMaxPoolND[B tensor.Backend](dimension int, backend B) *MaxPoolND[B] {
	return nn.NewMaxPoolND(dimension, backend)
}

// Checkpoints

// Save writes the block to a .born file with its configuration as metadata.
//
// Example:
//
//	err := nn.Save(block, "nonlocal.born")
func Save[B tensor.Backend](block *NonLocalBlock[B], path string) error {
	if err := bornnn.Save[B](block, path, ModelType, block.Config().Metadata()); err != nil {
		return fmt.Errorf("save non-local block: %w", err)
	}
	return nil
}

// Load reads a .born file written by Save into block and returns the stored
// metadata.
//
// The block must be built with the same configuration as the saved one. On error
// the block is left unchanged.
//
// Example:
//
//	block := nn.NewNonLocalBlock2D(64, 0, true, true, backend)
//	meta, err := nn.Load("nonlocal.born", backend, block)
func Load[B tensor.Backend](path string, backend B, block *NonLocalBlock[B]) (map[string]string, error) {
	staged, err := nn.NewNonLocalBlock(block.Config(), backend)
	if err != nil {
		return nil, fmt.Errorf("load non-local block: %w", err)
	}

	header, err := bornnn.Load[B](path, backend, staged)
	if err != nil {
		return nil, fmt.Errorf("load non-local block: %w", err)
	}
	if header.ModelType != ModelType {
		return nil, fmt.Errorf("load non-local block: model type %q, expected %q", header.ModelType, ModelType)
	}

	if err := block.LoadStateDict(staged.StateDict()); err != nil {
		return nil, fmt.Errorf("load non-local block: %w", err)
	}
	return header.Metadata, nil
}
