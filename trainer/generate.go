package trainer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/chigozienri/lora-training-sdxl/dataset"
	"github.com/chigozienri/lora-training-sdxl/sampler"
)

// PreviewGenerator samples images from the model being trained. The initial
// noise is fixed at construction, so successive previews of the same
// generator show the training progress rather than sampling variance.
//
// The whole reverse-diffusion chain is unrolled into a single computation,
// compiled once and re-executed against the current variable values.
type PreviewGenerator struct {
	denoiser Denoiser
	smp      sampler.Sampler
	numSteps int
	noise    *tensors.Tensor
	tokens   *tensors.Tensor
	exec     *context.Exec
}

// NewPreviewGenerator prepares a generator of numImages samples of
// imageSize x imageSize pixels for the given caption, denoised over numSteps
// sampler steps.
func NewPreviewGenerator(backend backends.Backend, ctx *context.Context, denoiser Denoiser,
	smp sampler.Sampler, tokenizer *dataset.Tokenizer, caption string,
	numImages, imageSize, numSteps int) *PreviewGenerator {
	ctx = ctx.Checked(false)

	// Fixed gaussian noise, shared by every preview of this generator.
	noise := MustExecOnce(backend, func(g *Graph) *Node {
		state := RNGStateForGraph(g)
		_, noise := RandomNormal(state, shapes.Make(dtypes.Float32, numImages, imageSize, imageSize, 3))
		return noise
	})

	ids := tokenizer.Encode(caption)
	flat := make([]int32, 0, numImages*len(ids))
	for ii := 0; ii < numImages; ii++ {
		flat = append(flat, ids...)
	}
	tokens := tensors.FromFlatDataAndDimensions(flat, numImages, len(ids))

	pg := &PreviewGenerator{
		denoiser: denoiser,
		smp:      smp,
		numSteps: numSteps,
		noise:    noise,
		tokens:   tokens,
	}
	pg.exec = context.MustNewExec(backend, ctx, pg.sampleGraph)
	return pg
}

// sampleGraph unrolls the reverse diffusion from pure noise to an image
// batch in [0, 1].
func (pg *PreviewGenerator) sampleGraph(ctx *context.Context, noise, tokens *Node) *Node {
	g := noise.Graph()
	batchSize := noise.Shape().Dimensions[0]

	denoise := func(latents *Node, sigma float64) *Node {
		sigmas := BroadcastToDims(ConstAsDType(g, latents.DType(), sigma), batchSize, 1, 1, 1)
		predictedNoise := pg.denoiser.NoisePredictionGraph(ctx, latents, sigmas, tokens)
		return Sub(latents, MulScalar(predictedNoise, sigma))
	}
	noiseFn := func(shape shapes.Shape) *Node {
		return ctx.RandomNormal(g, shape)
	}

	latents := MulScalar(noise, pg.smp.Sigmas(pg.numSteps)[0])
	images := pg.smp.Sample(denoise, noiseFn, latents, pg.numSteps)

	// Pixels from [-1, 1] back to [0, 1].
	return ClipScalar(DivScalar(OnePlus(images), 2), 0, 1)
}

// Generate samples the preview batch with the current model weights. The
// returned tensor is shaped [numImages, imageSize, imageSize, 3], with
// values in [0, 1].
func (pg *PreviewGenerator) Generate() (*tensors.Tensor, error) {
	return pg.exec.Exec1(pg.noise, pg.tokens)
}

// SavePreviewImages writes each image of the batch as a PNG under dir, named
// after the training step it was generated at.
func SavePreviewImages(batch *tensors.Tensor, dir string, step int) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "creating samples directory %q", dir)
	}
	for ii, img := range timage.ToImage().MaxValue(1.0).Batch(batch) {
		name := fmt.Sprintf("step_%07d_%02d.png", step, ii)
		if err := imaging.Save(img, filepath.Join(dir, name)); err != nil {
			return errors.Wrapf(err, "saving preview sample %q", name)
		}
	}
	return nil
}
