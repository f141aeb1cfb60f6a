// Package trainer fine-tunes a latent diffusion denoiser on a prepared
// dataset. Training touches three groups of variables, each at its own
// learning rate: LoRA adapter pairs wrapped around the denoiser projections,
// textual-inversion embedding rows for the placeholder tokens, and the
// remaining denoiser weights. The trained adapters and embeddings are written
// to a lora.safetensors artifact in the output directory.
package trainer

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/chigozienri/lora-training-sdxl/dataset"
	"github.com/chigozienri/lora-training-sdxl/safetensors"
	"github.com/chigozienri/lora-training-sdxl/sampler"
	"github.com/chigozienri/lora-training-sdxl/tokenmap"
)

const (
	// ArtifactName is the trained weights file written to the output
	// directory.
	ArtifactName = "lora.safetensors"

	// BaseWeightsName is the file inside the base model directory holding the
	// pretrained weights, loaded as frozen variables.
	BaseWeightsName = "unet.safetensors"
)

// Context parameter names of the fine-tuning hyperparameters.
const (
	ParamSeed                  = "seed"
	ParamDType                 = "dtype"
	ParamResolution            = "resolution"
	ParamTrainBatchSize        = "train_batch_size"
	ParamNumTrainEpochs        = "num_train_epochs"
	ParamMaxTrainSteps         = "max_train_steps"
	ParamUNetLearningRate      = "unet_learning_rate"
	ParamTILearningRate        = "ti_lr"
	ParamLoRALearningRate      = "lora_lr"
	ParamLoRARank              = "lora_rank"
	ParamLRScheduler           = "lr_scheduler"
	ParamLRWarmupSteps         = "lr_warmup_steps"
	ParamMaxGradNorm           = "max_grad_norm"
	ParamCheckpointingSteps    = "checkpointing_steps"
	ParamNumCheckpoints        = "num_checkpoints"
	ParamVerbose               = "verbose"
	ParamSampler               = "sampler"
	ParamSampleSteps           = "sample_steps"
	ParamSamplesDuringTraining = "samples_during_training"
)

// numPreviewImages is how many images each preview generation produces.
const numPreviewImages = 4

// TrainSpec names the inputs and outputs of one fine-tuning run. The
// hyperparameters themselves are read from the context parameters.
type TrainSpec struct {
	// BaseModelDir holds the resolved base model. The BaseWeightsName file
	// inside it is loaded into frozen variables; if it is missing the
	// denoiser trains from random initialization.
	BaseModelDir string

	// DatasetDir is a prepared dataset directory, written by
	// dataset.Preprocess.
	DatasetDir string

	// OutputDir receives the lora.safetensors artifact, the training
	// checkpoints and any preview samples.
	OutputDir string

	// TokenMap declares the placeholder tokens trained by textual inversion.
	TokenMap *tokenmap.Map

	// PreviewCaption is the prompt used to generate preview samples during
	// training. Required only if "samples_during_training" > 0.
	PreviewCaption string
}

// Train runs one fine-tuning session and writes the lora.safetensors
// artifact to spec.OutputDir. It trains for
// min(max_train_steps, num_train_epochs*ceil(numExamples/batchSize)) steps,
// checkpointing every checkpointing_steps.
func Train(backend backends.Backend, ctx *context.Context, spec TrainSpec) error {
	if spec.TokenMap == nil {
		return errors.New("TrainSpec.TokenMap must be set")
	}

	seed := int64(context.GetParamOr(ctx, ParamSeed, -1))
	if seed < 0 {
		seed = rand.Int63()
		klog.Infof("Using random seed %d", seed)
	}
	ctx.SetRNGStateFromSeed(seed)

	dtype, err := dtypes.DTypeString(context.GetParamOr(ctx, ParamDType, "float32"))
	if err != nil {
		return errors.WithMessagef(err, "invalid %q parameter", ParamDType)
	}
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
	default:
		return errors.Errorf("parameter %q must be a float dtype, got %s", ParamDType, dtype)
	}

	// Load the dataset into memory, encoding captions with the placeholder
	// tokens appended to the vocabulary.
	tokenizer := dataset.NewTokenizer(spec.TokenMap.Tokens())
	ds, err := dataset.New(spec.DatasetDir, tokenizer, dtype)
	if err != nil {
		return err
	}
	if ds.NumExamples() == 0 {
		return errors.Errorf("dataset at %q has no examples", spec.DatasetDir)
	}
	batchSize := context.GetParamOr(ctx, ParamTrainBatchSize, 4)
	if batchSize <= 0 {
		return errors.Errorf("train_batch_size must be positive, got %d", batchSize)
	}
	trainDS := ds.BatchSize(batchSize).Shuffle().Infinite()

	stepsPerEpoch := (ds.NumExamples() + batchSize - 1) / batchSize
	totalSteps := context.GetParamOr(ctx, ParamNumTrainEpochs, 4000) * stepsPerEpoch
	if maxSteps := context.GetParamOr(ctx, ParamMaxTrainSteps, 1000); maxSteps > 0 && totalSteps > maxSteps {
		totalSteps = maxSteps
	}

	loraRank := context.GetParamOr(ctx, ParamLoRARank, 32)
	denoiser := Denoiser{
		LoRA: LoRA{Rank: loraRank, Alpha: float64(loraRank)},
		Text: TextEncoder{
			VocabSize:       tokenizer.VocabSize(),
			NumPlaceholders: spec.TokenMap.NumTokens(),
			EmbedDim:        context.GetParamOr(ctx, "text_embed_size", 64),
			DType:           dtype,
		},
		Schedule: sampler.DefaultConfig(),
	}

	// Base weights become frozen variables before any graph is built, so the
	// model reuses them instead of initializing its own.
	numLoaded, err := loadBaseWeights(ctx, spec.BaseModelDir, dtype)
	if err != nil {
		return err
	}

	scheduleKind, err := ParseSchedule(context.GetParamOr(ctx, ParamLRScheduler, "constant"))
	if err != nil {
		return err
	}
	optimizer := GroupedAdam().
		Group(LoRAScope, context.GetParamOr(ctx, ParamLoRALearningRate, 1e-4)).
		Group(InversionScope, context.GetParamOr(ctx, ParamTILearningRate, 3e-4)).
		Default(context.GetParamOr(ctx, ParamUNetLearningRate, 1e-6)).
		Schedule(scheduleKind, context.GetParamOr(ctx, ParamLRWarmupSteps, 100), totalSteps).
		MaxGradNorm(context.GetParamOr(ctx, ParamMaxGradNorm, 1.0)).
		Done()

	// The loss is computed inside the model (the mask-weighted MSE), returned
	// as the second prediction.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	trainer := train.NewTrainer(
		backend, ctx, denoiser.BuildTrainingModelGraph(), customLoss,
		optimizer,
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics
	loop := train.NewLoop(trainer)
	verbose := context.GetParamOr(ctx, ParamVerbose, true)
	if verbose {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every checkpointing_steps steps, keeping the last
	// num_checkpoints around.
	var checkpoint *checkpoints.Handler
	if spec.OutputDir != "" {
		checkpoint, err = checkpoints.Build(ctx).
			Dir(filepath.Join(spec.OutputDir, "checkpoints")).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			Done()
		if err != nil {
			return errors.WithMessagef(err, "creating checkpoints under %q", spec.OutputDir)
		}
		checkpointSteps := context.GetParamOr(ctx, ParamCheckpointingSteps, 999999)
		if checkpointSteps > 0 {
			loop.OnStep("checkpointing", 100, func(loop *train.Loop, _ []*tensors.Tensor) error {
				if loop.LoopStep == loop.StartStep || loop.LoopStep%checkpointSteps != 0 {
					return nil
				}
				return checkpoint.Save()
			})
		}
	}

	// If the context was loaded from a checkpoint, continue from where it
	// stopped. With base weights but no checkpoint the graph building mixes
	// existing and new variables, which requires an unchecked context.
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		klog.Infof("Resuming training from global step %d", globalStep)
		trainer.SetContext(ctx.Reuse())
	} else if numLoaded > 0 {
		trainer.SetContext(ctx.Checked(false))
	}

	// Plot points are collected at exponentially spaced steps and saved along
	// the checkpoints.
	if context.GetParamOr(ctx, plotly.ParamPlots, false) && checkpoint != nil {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			ScheduleExponential(loop, 100, 1.2)
	}

	// Preview sample generation at exponentially spaced steps.
	if numPreviews := context.GetParamOr(ctx, ParamSamplesDuringTraining, 0); numPreviews > 0 {
		if spec.PreviewCaption == "" {
			return errors.Errorf("samples_during_training=%d requires a preview caption", numPreviews)
		}
		smp, err := sampler.New(
			sampler.Name(context.GetParamOr(ctx, ParamSampler, string(sampler.KEuler))),
			denoiser.Schedule)
		if err != nil {
			return err
		}
		height, _ := ds.Size()
		previews := NewPreviewGenerator(backend, ctx, denoiser, smp,
			tokenizer, spec.PreviewCaption, numPreviewImages, height,
			context.GetParamOr(ctx, ParamSampleSteps, 30))
		samplesDir := filepath.Join(spec.OutputDir, "samples")
		train.ExponentialCallback(loop, previewStartStep(totalSteps, numPreviews), 2.0, true,
			"preview samples", 0, func(loop *train.Loop, _ []*tensors.Tensor) error {
				images, err := previews.Generate()
				if err != nil {
					return err
				}
				return SavePreviewImages(images, samplesDir, loop.LoopStep)
			})
	}

	if globalStep < totalSteps {
		if verbose {
			klog.Infof("Training for %d steps: %d examples, batch size %d, %d steps per epoch",
				totalSteps-globalStep, ds.NumExamples(), batchSize, stepsPerEpoch)
		}
		_, err = loop.RunSteps(datasets.Parallel(trainDS), totalSteps-globalStep)
		if err != nil {
			if checkpoint != nil && loop.LoopStep > loop.StartStep {
				klog.Infof("Saving checkpoint before failing at loop step %d", loop.LoopStep)
				if saveErr := checkpoint.Save(); saveErr != nil {
					klog.Errorf("Error saving checkpoint while failing: %+v", saveErr)
				}
			}
			return errors.WithMessagef(err, "training loop")
		}
		if verbose {
			klog.Infof("Median train step duration: %s", loop.MedianTrainStepDuration())
		}
		if checkpoint != nil {
			if err = checkpoint.Save(); err != nil {
				return errors.WithMessagef(err, "saving final checkpoint")
			}
		}
	} else {
		klog.Infof("Target of %d training steps already reached at global step %d, skipping training",
			totalSteps, globalStep)
		// Without a training run the checkpoint variables are still lazily
		// loaded. Materialize them so the artifact writer sees them.
		if checkpoint != nil {
			for paramName := range checkpoint.LoadedVariables() {
				scope, name := context.VariableScopeAndNameFromParameterName(paramName)
				_ = ctx.GetVariableByScopeAndName(scope, name)
			}
		}
	}

	return writeArtifact(ctx, spec.OutputDir)
}

// previewStartStep picks the first step of the preview schedule so that
// doubling it repeatedly yields numPreviews generations by totalSteps.
func previewStartStep(totalSteps, numPreviews int) int {
	start := totalSteps
	for ii := 1; ii < numPreviews && start > 1; ii++ {
		start /= 2
	}
	if start < 1 {
		start = 1
	}
	return start
}

// loadBaseWeights creates a frozen variable for each tensor of the base
// weights file and returns how many were loaded. Keys follow the variable
// scope paths, so when the model graph is built later it picks these up
// instead of initializing its own. A missing file is not an error: training
// then starts from random initialization.
func loadBaseWeights(ctx *context.Context, baseModelDir string, dtype dtypes.DType) (int, error) {
	weightsPath := filepath.Join(baseModelDir, BaseWeightsName)
	if _, err := os.Stat(weightsPath); err != nil {
		klog.Warningf("Base weights %q not found, the denoiser will train from random initialization", weightsPath)
		return 0, nil
	}
	loaded, err := safetensors.ReadFile(weightsPath)
	if err != nil {
		return 0, errors.WithMessagef(err, "loading base weights from %q", weightsPath)
	}
	numLoaded := 0
	for key, tensor := range loaded {
		scope, name := splitVariableKey(key)
		if scopeHasElement(scope, LoRAScope) || scopeHasElement(scope, InversionScope) {
			continue
		}
		ctx.InAbsPath(scope).Checked(false).
			VariableWithValue(name, convertTensor(tensor, dtype)).
			SetTrainable(false)
		numLoaded++
	}
	klog.V(1).Infof("Loaded %d frozen base weight tensors from %q", numLoaded, weightsPath)
	return numLoaded, nil
}

// splitVariableKey converts a weights file key like "u-net/000-conv/weights"
// to the variable's absolute scope path and name.
func splitVariableKey(key string) (scope, name string) {
	key = strings.TrimPrefix(key, context.ScopeSeparator)
	idx := strings.LastIndex(key, context.ScopeSeparator)
	if idx < 0 {
		return context.RootScope, key
	}
	return context.ScopeSeparator + key[:idx], key[idx+1:]
}

// writeArtifact collects the trained LoRA and textual-inversion variables
// and writes them, converted to float16, as the lora.safetensors artifact.
func writeArtifact(ctx *context.Context, outputDir string) error {
	artifact := make(map[string]*tensors.Tensor)
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		if !scopeHasElement(v.Scope(), LoRAScope) && !scopeHasElement(v.Scope(), InversionScope) {
			continue
		}
		key := strings.TrimPrefix(v.Scope()+context.ScopeSeparator+v.Name(), context.ScopeSeparator)
		artifact[key] = convertTensor(v.MustValue(), dtypes.Float16)
	}
	if len(artifact) == 0 {
		return errors.New("no trained LoRA or textual-inversion variables to save")
	}
	artifactPath := filepath.Join(outputDir, ArtifactName)
	if err := safetensors.WriteFile(artifactPath, artifact); err != nil {
		return err
	}
	klog.Infof("Saved %d trained tensors to %q", len(artifact), artifactPath)
	return nil
}

// convertTensor converts a float tensor to the given float dtype, aligning
// base weights with the compute dtype and the artifact tensors with float16.
func convertTensor(t *tensors.Tensor, dtype dtypes.DType) *tensors.Tensor {
	if t.DType() == dtype {
		return t
	}
	flat := tensors.MustCopyFlatData[float32](tensorToFloat32(t))
	dims := t.Shape().Dimensions
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(flat, dims...)
	case dtypes.Float16:
		converted := make([]float16.Float16, len(flat))
		for ii, value := range flat {
			converted[ii] = float16.Fromfloat32(value)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...)
	case dtypes.BFloat16:
		converted := make([]bfloat16.BFloat16, len(flat))
		for ii, value := range flat {
			converted[ii] = bfloat16.FromFloat32(value)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...)
	case dtypes.Float64:
		converted := make([]float64, len(flat))
		for ii, value := range flat {
			converted[ii] = float64(value)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...)
	}
	exceptions.Panicf("cannot convert tensor to dtype %s", dtype)
	return nil
}

// tensorToFloat32 converts reduced or double precision tensors to float32.
// Other dtypes are returned unchanged.
func tensorToFloat32(t *tensors.Tensor) *tensors.Tensor {
	dims := t.Shape().Dimensions
	switch t.DType() {
	case dtypes.Float16:
		flat := tensors.MustCopyFlatData[float16.Float16](t)
		converted := make([]float32, len(flat))
		for ii, value := range flat {
			converted[ii] = value.Float32()
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...)
	case dtypes.BFloat16:
		flat := tensors.MustCopyFlatData[bfloat16.BFloat16](t)
		converted := make([]float32, len(flat))
		for ii, value := range flat {
			converted[ii] = value.Float32()
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...)
	case dtypes.Float64:
		flat := tensors.MustCopyFlatData[float64](t)
		converted := make([]float32, len(flat))
		for ii, value := range flat {
			converted[ii] = float32(value)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...)
	}
	return t
}
