// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package config loads experiment configurations for the diffusion sampler.
//
// Documents are YAML grouped as model, sampling, solver, data and eval,
// with a top-level seed. Keys may be overridden as key.path=value:
//
//	cfg, err := config.Load("configs/inpainting.yaml", []string{"sampling.cs_method=dps"})
//	if err != nil {
//	    return err
//	}
//	r, err := cfg.Resolve()
//
// Unknown keys and names fail with an error matching ErrConfig.
package config

import (
	"github.com/born-ml/diffusion/internal/config"
	"github.com/born-ml/diffusion/internal/errs"
)

// Config is the full configuration surface.
type Config = config.Config

// Resolved holds the engine components a configuration describes.
type Resolved = config.Resolved

// Measurement tasks selected by sampling.task.
const (
	TaskNone             = config.TaskNone
	TaskInpainting       = config.TaskInpainting
	TaskRandomProjection = config.TaskRandomProjection
	TaskDenoising        = config.TaskDenoising
	TaskCT               = config.TaskCT
)

// ConfigError reports an invalid option or option combination.
//
//nolint:revive // ConfigError is clearer than Error
type ConfigError = errs.ConfigError

// ErrConfig matches every configuration error with errors.Is.
var ErrConfig = errs.ErrConfig

// Default returns the default configuration.
func Default() *Config {
	return config.Default()
}

// Load reads a YAML file, or the defaults when path is empty, and applies
// overrides.
func Load(path string, overrides []string) (*Config, error) {
	return config.Load(path, overrides)
}

// Parse decodes a YAML document and applies overrides.
func Parse(data []byte, overrides []string) (*Config, error) {
	return config.Parse(data, overrides)
}
