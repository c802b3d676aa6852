/*
Copyright 2025 The TrainCore Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/distml/traincore/pkg/comm"
)

// DDPImpl selects the data-parallel gradient synchronization implementation.
type DDPImpl string

const (
	// DDPLocal reduces gradients explicitly once per step, optionally out
	// of a contiguous per-partition gradient buffer.
	DDPLocal DDPImpl = "local"
	// DDPTorch leaves gradient synchronization to the framework wrapper.
	DDPTorch DDPImpl = "torch"
)

// BatchRampUp describes a batch-size ramp-up schedule: the global batch size
// starts at StartSize and grows by Increment until it reaches the configured
// global batch size, with the growth spread evenly over Samples consumed
// samples.
type BatchRampUp struct {
	StartSize int64
	Increment int64
	Samples   int64
}

// Config is the immutable run configuration. It is built once at process
// start and passed by pointer; nothing in this module mutates it.
type Config struct {
	// Batch geometry.
	MicroBatchSize  int64
	GlobalBatchSize int64
	RampUp          *BatchRampUp

	// Model shape, used for token accounting and throughput estimates.
	SeqLength       int64
	NumLayers       int64
	HiddenSize      int64
	PaddedVocabSize int64

	// Termination policy. Exactly one of TrainIters and TrainSamples must
	// be set; TrainTokens, ExitDuration and ExitInterval are optional
	// additional limits.
	TrainIters   int64
	TrainSamples int64
	TrainTokens  int64
	ExitDuration time.Duration
	ExitInterval int64

	// Periodic side effects. A zero interval disables the corresponding
	// side effect.
	LogInterval         int64
	TensorboardInterval int64
	EvalInterval        int64
	EvalIters           int64
	SaveInterval        int64
	AutoResumeInterval  int64

	// Gradient synchronization.
	DDPImpl              DDPImpl
	UseContiguousBuffers bool

	// EnginePipeline routes whole batches through the external engine's
	// own pipeline schedule instead of the step controller's dispatch.
	// Only meaningful when an engine is attached.
	EnginePipeline bool

	// Feature gates.
	Distillation             bool
	CurriculumLearning       bool
	RandomLTD                bool
	DataEfficiencyCurriculum bool
}

var supportedDDPImpls = sets.New(DDPLocal, DDPTorch)

// Validate checks the configuration against the given topology. All returned
// errors are fatal; there is no partial acceptance.
func Validate(cfg *Config, topo comm.Topology) field.ErrorList {
	var allErrs field.ErrorList

	if cfg.MicroBatchSize < 1 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("microBatchSize"), cfg.MicroBatchSize, "must be positive"))
	}
	if cfg.GlobalBatchSize < 1 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("globalBatchSize"), cfg.GlobalBatchSize, "must be positive"))
	}

	microTimesData := cfg.MicroBatchSize * int64(topo.DataSize)
	if microTimesData > 0 && cfg.GlobalBatchSize%microTimesData != 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("globalBatchSize"), cfg.GlobalBatchSize,
			"must be divisible by microBatchSize times the data-parallel world size"))
	}

	if cfg.TrainIters == 0 && cfg.TrainSamples == 0 {
		allErrs = append(allErrs, field.Required(field.NewPath("trainIters"),
			"either trainIters or trainSamples must be provided"))
	}
	if cfg.TrainIters > 0 && cfg.TrainSamples > 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("trainSamples"), cfg.TrainSamples,
			"must not be set together with trainIters"))
	}

	if !supportedDDPImpls.Has(cfg.DDPImpl) {
		allErrs = append(allErrs, field.NotSupported(field.NewPath("ddpImpl"), cfg.DDPImpl, sets.List(supportedDDPImpls)))
	}

	if r := cfg.RampUp; r != nil {
		rampPath := field.NewPath("rampUp")
		if r.StartSize < 1 || r.StartSize > cfg.GlobalBatchSize {
			allErrs = append(allErrs, field.Invalid(rampPath.Child("startSize"), r.StartSize,
				"must be in [1, globalBatchSize]"))
		}
		if r.Increment < 1 {
			allErrs = append(allErrs, field.Invalid(rampPath.Child("increment"), r.Increment, "must be positive"))
		} else if (cfg.GlobalBatchSize-r.StartSize)%r.Increment != 0 {
			allErrs = append(allErrs, field.Invalid(rampPath.Child("increment"), r.Increment,
				"globalBatchSize minus startSize must be divisible by increment"))
		}
		if microTimesData > 0 && r.StartSize%microTimesData != 0 {
			allErrs = append(allErrs, field.Invalid(rampPath.Child("startSize"), r.StartSize,
				"must be divisible by microBatchSize times the data-parallel world size"))
		}
		if r.Samples < 1 {
			allErrs = append(allErrs, field.Invalid(rampPath.Child("samples"), r.Samples, "must be positive"))
		}
	}

	if cfg.EvalInterval > 0 && cfg.EvalIters < 1 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("evalIters"), cfg.EvalIters,
			"must be positive when evalInterval is set"))
	}

	if cfg.TrainTokens > 0 && cfg.SeqLength < 1 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("seqLength"), cfg.SeqLength,
			"must be positive when trainTokens is set"))
	}

	if topo.VirtualPipelineSize != nil && topo.PipelineSize <= 1 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("topology", "virtualPipelineSize"), *topo.VirtualPipelineSize,
			"requires a pipeline-parallel world size greater than 1"))
	}

	return allErrs
}
