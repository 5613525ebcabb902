// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the non-local block for Born models.
//
// # Overview
//
// The non-local block (embedded Gaussian) lets every position of a feature map
// attend to every other position:
//
//	f    = theta(x)^T @ phi(x)
//	attn = softmax(f)
//	z    = W(attn @ g(x)^T) + x
//
// theta, phi, g and W are 1x1 convolutions. g and phi can be sub-sampled with max
// pooling to cut the cost of the pairwise step, and W can be followed by batch norm.
// The block is the identity when first built, so it can be inserted into a trained
// network.
//
// This package contains:
//   - Blocks: NonLocalBlock with 1D, 2D and 3D constructors
//   - Layers: PointwiseConv, BatchNorm, MaxPoolND
//   - Configuration: Config, DefaultConfig, ParseConfig (YAML)
//   - Checkpoints: Save, Load
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/born/autodiff"
//	    "github.com/born-ml/born/backend/cpu"
//	    "github.com/born-ml/nonlocal/nn"
//	)
//
//	func main() {
//	    backend := autodiff.New(cpu.New())
//
//	    // in_channels=64, inter_channels=32 (default), sub-sampling and batch norm on
//	    block := nn.NewNonLocalBlock2D(64, 0, true, true, backend)
//
//	    z, attn := block.ForwardWithMap(x) // z: [N, 64, H, W], attn: [N, H*W, H/2*W/2]
//	}
//
// # Reference Frames
//
// A 3D block built with Config.Reference attends from a single frame to the whole
// clip:
//
//	cfg := nn.DefaultConfig(64, 3)
//	cfg.Reference = true
//	block, err := nn.NewNonLocalBlock(cfg, backend)
//	z := block.ForwardRef(clip, -1) // [N, 64, T, H, W] -> [N, 64, H, W]
//
// # Training
//
// Blocks satisfy Born's nn.Module, so Born optimisers and serialization work as
// for any other layer. Call Eval before inference to switch batch norm to its
// running statistics.
package nn
