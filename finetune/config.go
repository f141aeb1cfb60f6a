// Package finetune orchestrates one fine-tuning invocation end to end:
// building the token map, preprocessing the input images into a training
// dataset, resolving the base model weights cache, resetting the output
// directory, running the training routine and returning the trained weights
// artifact.
//
// The orchestration is strictly linear and synchronous, with no retries and
// no concurrency: one invocation per process at a time owns the output
// directory and the accelerator.
package finetune

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"

	"github.com/chigozienri/lora-training-sdxl/dataset"
	"github.com/chigozienri/lora-training-sdxl/trainer"
	"github.com/chigozienri/lora-training-sdxl/weights"
)

// SDXLWeightsURL is the default archive with the pretrained base model
// weights, downloaded to the cache directory on the first run.
const SDXLWeightsURL = "https://weights.replicate.delivery/default/sdxl/sdxl-vae-upcast-fix.tar"

// PreprocessFn prepares the training dataset. It matches dataset.Preprocess
// and can be swapped for a mock in tests.
type PreprocessFn func(dataDir string, args dataset.PreprocessArgs) (string, error)

// ResolveWeightsFn makes sure the weights cache directory is populated. It
// matches weights.Resolve.
type ResolveWeightsFn func(url, cacheDir, checksum string, showProgressBar bool) error

// TrainFn runs the fine-tuning loop and writes the artifact into the output
// directory. It matches trainer.Train.
type TrainFn func(backend backends.Backend, ctx *context.Context, spec trainer.TrainSpec) error

// Config carries the filesystem layout and the collaborators of a
// fine-tuning run. Create it with NewConfig; tests point the paths at
// temporary directories and swap the collaborators for mocks.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// DataDir is where prepared datasets are staged.
	DataDir string

	// BaseCacheDir caches the extracted base model. WeightsURL is downloaded
	// and extracted there when the directory is missing, and never refreshed
	// once it exists. WeightsChecksum optionally holds the sha256 hex digest
	// the downloaded archive must match.
	BaseCacheDir    string
	WeightsURL      string
	WeightsChecksum string

	// OutputDir is destructively reset at the start of every run, and
	// receives the artifact, the checkpoints and any preview samples.
	OutputDir string

	// ParamsSet are hyperparameters overridden by the caller, that should not
	// be reloaded from checkpoints (see commandline.ParseContextSettings).
	ParamsSet []string

	// The collaborators default to the real implementations.
	Preprocess     PreprocessFn
	ResolveWeights ResolveWeightsFn
	Train          TrainFn
}

// NewConfig creates a Config rooted at dataDir, creating the directory if
// needed, with the default cache/output layout and the real collaborators.
//
// paramsSet are hyperparameters overridden by the caller, that should not be
// reloaded from checkpoints (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) *Config {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	return &Config{
		Backend:        backend,
		Context:        ctx,
		DataDir:        dataDir,
		BaseCacheDir:   filepath.Join(dataDir, "sdxl-cache"),
		WeightsURL:     SDXLWeightsURL,
		OutputDir:      filepath.Join(dataDir, "training_out"),
		ParamsSet:      paramsSet,
		Preprocess:     dataset.Preprocess,
		ResolveWeights: weights.Resolve,
		Train:          trainer.Train,
	}
}
