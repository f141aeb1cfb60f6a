package trainer

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chigozienri/lora-training-sdxl/dataset"
	"github.com/chigozienri/lora-training-sdxl/sampler"
)

func TestPreviewGenerator(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := tinyDenoiserCtx()
	ctx.SetRNGStateFromSeed(7)

	tokenizer := dataset.NewTokenizer([]string{"<s0>", "<s1>"})
	d := tinyDenoiser()
	d.Text = TextEncoder{
		VocabSize:       tokenizer.VocabSize(),
		NumPlaceholders: 2,
		EmbedDim:        8,
		DType:           dtypes.Float32,
	}
	d.Schedule = sampler.DefaultConfig()
	smp := must.M1(sampler.New(sampler.KEuler, d.Schedule))

	const (
		numImages = 2
		imageSize = 8
		numSteps  = 2
	)
	previews := NewPreviewGenerator(backend, ctx, d, smp, tokenizer,
		"a photo of <s0><s1>", numImages, imageSize, numSteps)
	images, err := previews.Generate()
	require.NoError(t, err)
	assert.Equal(t, []int{numImages, imageSize, imageSize, 3}, images.Shape().Dimensions)
	for _, value := range tensors.MustCopyFlatData[float32](images) {
		assert.GreaterOrEqual(t, value, float32(0))
		assert.LessOrEqual(t, value, float32(1))
	}

	// The noise is fixed at construction: with unchanged weights a second
	// generation returns the same images.
	again := must.M1(previews.Generate())
	assert.Equal(t,
		tensors.MustCopyFlatData[float32](images),
		tensors.MustCopyFlatData[float32](again))
}

func TestSavePreviewImages(t *testing.T) {
	const (
		numImages = 2
		imageSize = 4
	)
	flat := make([]float32, numImages*imageSize*imageSize*3)
	for ii := range flat {
		flat[ii] = float32(ii) / float32(len(flat))
	}
	batch := tensors.FromFlatDataAndDimensions(flat, numImages, imageSize, imageSize, 3)

	dir := filepath.Join(t.TempDir(), "samples")
	require.NoError(t, SavePreviewImages(batch, dir, 120))
	for ii := range numImages {
		img, err := imaging.Open(filepath.Join(dir, fmt.Sprintf("step_0000120_%02d.png", ii)))
		require.NoError(t, err)
		assert.Equal(t, imageSize, img.Bounds().Dx())
		assert.Equal(t, imageSize, img.Bounds().Dy())
	}
}
