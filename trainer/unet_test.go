package trainer

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chigozienri/lora-training-sdxl/sampler"
)

// tinyDenoiserCtx configures a denoiser small enough for unit tests.
func tinyDenoiserCtx() *context.Context {
	ctx := context.New().Checked(false)
	ctx.SetParams(map[string]any{
		"unet_channels_list":       []int{4, 8},
		"unet_num_residual_blocks": 1,
		"unet_attention_heads":     2,
		"unet_attention_key_dim":   4,
		"sinusoidal_embed_size":    8,
		layers.ParamNormalization:  "layer",
	})
	return ctx
}

func tinyDenoiser() Denoiser {
	return Denoiser{
		LoRA: LoRA{Rank: 2, Alpha: 2},
		Text: TextEncoder{VocabSize: 16, NumPlaceholders: 2, EmbedDim: 8, DType: dtypes.Float32},
	}
}

func TestSinusoidalEmbedding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := tinyDenoiserCtx()
	embedded := must.M1(context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return sinusoidalEmbedding(ctx, x)
	}, tensors.FromFlatDataAndDimensions([]float32{0, 0.5, 1}, 3, 1, 1, 1)))
	assert.Equal(t, []int{3, 1, 1, 8}, embedded.Shape().Dimensions)
	for _, value := range tensors.MustCopyFlatData[float32](embedded) {
		assert.GreaterOrEqual(t, value, float32(-1))
		assert.LessOrEqual(t, value, float32(1))
	}
}

func TestDenoiserShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := tinyDenoiserCtx()
	d := tinyDenoiser()

	const (
		batchSize = 2
		imageSize = 8
	)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, noisy, sigmas, tokens *Node) *Node {
		return d.NoisePredictionGraph(ctx, noisy, sigmas, tokens)
	})

	flat := make([]float32, batchSize*imageSize*imageSize*3)
	for ii := range flat {
		flat[ii] = float32(ii%7)/3.5 - 1
	}
	noisy := tensors.FromFlatDataAndDimensions(flat, batchSize, imageSize, imageSize, 3)
	sigmas := tensors.FromFlatDataAndDimensions([]float32{0.5, 2}, batchSize, 1, 1, 1)
	tokens := tensors.FromFlatDataAndDimensions(make([]int32, batchSize*4), batchSize, 4)

	predicted := must.M1(exec.Exec1(noisy, sigmas, tokens))
	require.Equal(t, []int{batchSize, imageSize, imageSize, 3}, predicted.Shape().Dimensions)

	// The readout projection starts zero initialized, so the first prediction
	// is exactly zero.
	for _, value := range tensors.MustCopyFlatData[float32](predicted) {
		require.Zero(t, value)
	}
}

func TestBuildTrainingModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := tinyDenoiserCtx()
	ctx.SetRNGStateFromSeed(42)
	d := tinyDenoiser()
	d.Schedule = sampler.DefaultConfig()
	modelFn := d.BuildTrainingModelGraph()

	const (
		batchSize = 2
		imageSize = 8
	)
	exec := context.MustNewExec(backend, ctx,
		func(ctx *context.Context, images, masks, tokens *Node) (*Node, *Node) {
			outputs := modelFn(ctx, nil, []*Node{images, masks, tokens})
			require.Len(t, outputs, 2)
			return outputs[0], outputs[1]
		})

	flat := make([]float32, batchSize*imageSize*imageSize*3)
	for ii := range flat {
		flat[ii] = float32(ii%11) / 10
	}
	images := tensors.FromFlatDataAndDimensions(flat, batchSize, imageSize, imageSize, 3)
	masks := make([]float32, batchSize*imageSize*imageSize)
	for ii := range masks {
		masks[ii] = 1
	}
	masksT := tensors.FromFlatDataAndDimensions(masks, batchSize, imageSize, imageSize, 1)
	tokens := tensors.FromFlatDataAndDimensions(make([]int32, batchSize*4), batchSize, 4)

	predicted, loss, err := exec.Exec2(images, masksT, tokens)
	require.NoError(t, err)
	assert.Equal(t, []int{batchSize, imageSize, imageSize, 3}, predicted.Shape().Dimensions)
	require.True(t, loss.Shape().IsScalar())

	// Predictions start at zero while the noise targets are standard normal,
	// so the initial loss sits near 1.
	assert.InDelta(t, 1.0, float64(tensors.ToScalar[float32](loss)), 0.5)
}

func TestMaskedMSE(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Only the first row is masked in: squared error 4 on each of its pixels.
	// The second row's error of 100 must not leak in.
	got := MustExecOnce(backend, func(g *Graph) *Node {
		predicted := Zeros(g, shapes.Make(dtypes.Float32, 1, 2, 2, 2))
		target := Const(g, [][][][]float32{{
			{{2, 2}, {2, 2}},
			{{100, 100}, {100, 100}},
		}})
		masks := Const(g, [][][][]float32{{
			{{1}, {1}},
			{{0}, {0}},
		}})
		return maskedMSE(predicted, target, masks)
	})
	assert.InDelta(t, 4.0, float64(tensors.ToScalar[float32](got)), 1e-3)

	// An all-zero mask yields a zero loss instead of dividing by zero.
	zero := MustExecOnce(backend, func(g *Graph) *Node {
		predicted := Zeros(g, shapes.Make(dtypes.Float32, 1, 2, 2, 2))
		target := Ones(g, shapes.Make(dtypes.Float32, 1, 2, 2, 2))
		masks := Zeros(g, shapes.Make(dtypes.Float32, 1, 2, 2, 1))
		return maskedMSE(predicted, target, masks)
	})
	assert.Zero(t, tensors.ToScalar[float32](zero))
}
