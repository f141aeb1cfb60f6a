package finetune

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/chigozienri/lora-training-sdxl/dataset"
	"github.com/chigozienri/lora-training-sdxl/sampler"
	"github.com/chigozienri/lora-training-sdxl/tokenmap"
	"github.com/chigozienri/lora-training-sdxl/trainer"
)

// Run executes one fine-tuning invocation on the inputImages archive and
// returns the path of the trained weights artifact inside the output
// directory. The hyperparameters are read from cfg.Context parameters (see
// CreateDefaultContext for the full list and defaults).
//
// Any failure aborts the invocation with an error; no partial artifact path
// is ever returned. The output directory may be left partially written, the
// next run resets it.
func (cfg *Config) Run(inputImages string) (artifactPath string, err error) {
	ctx := cfg.Context

	// Choice parameters and the trigger word are validated before any I/O.
	filetype, err := dataset.ParseFiletype(context.GetParamOr(ctx, ParamInputImagesFiletype, "infer"))
	if err != nil {
		return "", err
	}
	if _, err = trainer.ParseSchedule(context.GetParamOr(ctx, trainer.ParamLRScheduler, "constant")); err != nil {
		return "", err
	}
	samplerName := sampler.Name(context.GetParamOr(ctx, trainer.ParamSampler, string(sampler.KEuler)))
	if _, err = sampler.New(samplerName, sampler.DefaultConfig()); err != nil {
		return "", err
	}
	tokenMap, err := tokenmap.New(context.GetParamOr(ctx, ParamTokenString, "TOK"))
	if err != nil {
		return "", err
	}
	if _, err = os.Stat(inputImages); err != nil {
		return "", errors.Wrapf(err, "input images archive %q not readable", inputImages)
	}

	verbose := context.GetParamOr(ctx, trainer.ParamVerbose, true)
	captionPrefix := context.GetParamOr(ctx, ParamCaptionPrefix, "a photo of TOK, ")
	datasetDir, err := cfg.Preprocess(cfg.DataDir, dataset.PreprocessArgs{
		ArchivePath:         inputImages,
		Filetype:            filetype,
		CaptionPrefix:       captionPrefix,
		TokenMap:            tokenMap,
		TargetSize:          context.GetParamOr(ctx, trainer.ParamResolution, 768),
		MaskTargetPrompts:   context.GetParamOr(ctx, ParamMaskTargetPrompts, ""),
		ClipsegTemperature:  context.GetParamOr(ctx, ParamClipsegTemperature, 1.0),
		CropBasedOnSalience: context.GetParamOr(ctx, ParamCropBasedOnSalience, true),
		UseFaceDetection:    context.GetParamOr(ctx, ParamUseFaceDetection, false),
		Verbose:             verbose,
	})
	if err != nil {
		return "", err
	}

	if err = cfg.ResolveWeights(cfg.WeightsURL, cfg.BaseCacheDir, cfg.WeightsChecksum, verbose); err != nil {
		return "", err
	}

	// No state survives in the output directory across runs.
	if err = os.RemoveAll(cfg.OutputDir); err != nil {
		return "", errors.Wrapf(err, "failed to reset output directory %q", cfg.OutputDir)
	}
	if err = os.MkdirAll(cfg.OutputDir, 0777); err != nil {
		return "", errors.Wrapf(err, "failed to create output directory %q", cfg.OutputDir)
	}

	err = cfg.Train(cfg.Backend, ctx, trainer.TrainSpec{
		BaseModelDir:   cfg.BaseCacheDir,
		DatasetDir:     datasetDir,
		OutputDir:      cfg.OutputDir,
		TokenMap:       tokenMap,
		PreviewCaption: previewCaption(tokenMap, captionPrefix),
	})
	if err != nil {
		return "", err
	}

	// The training routine is trusted to write the artifact, but its absence
	// must surface as a distinct error rather than a dangling path.
	artifactPath = filepath.Join(cfg.OutputDir, trainer.ArtifactName)
	info, statErr := os.Stat(artifactPath)
	if statErr != nil || info.Size() == 0 {
		return "", errors.Wrapf(ErrArtifactMissing, "expected %q", artifactPath)
	}
	klog.Infof("Fine-tuning done, trained weights in %q", artifactPath)
	return artifactPath, nil
}

// previewCaption derives the prompt for preview samples from the caption
// prefix: triggers replaced by their placeholder tokens and the trailing
// separator trimmed.
func previewCaption(tokenMap *tokenmap.Map, captionPrefix string) string {
	caption := tokenMap.Substitute(captionPrefix)
	return strings.TrimSuffix(strings.TrimSpace(caption), ",")
}
