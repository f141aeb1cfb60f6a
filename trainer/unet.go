package trainer

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/chigozienri/lora-training-sdxl/sampler"
)

const (
	// UNetScope is the top variable scope of the denoiser network.
	UNetScope = "u-net"

	// TextScope is the top variable scope of the caption encoder.
	TextScope = "text"
)

// Denoiser is a U-Net noise predictor conditioned on the noise level and on a
// pooled caption embedding. All its dense projections, including the
// attention projections, are LoRA-wrapped so fine-tuning only trains the
// low-rank adapters and the textual-inversion embedding rows.
//
// Architecture hyperparameters are read from the context:
//
//   - "unet_channels_list": channels per resolution level, each level halves
//     the spatial size, so at most log2(resolution) entries.
//   - "unet_num_residual_blocks": residual blocks per level.
//   - "unet_attention_heads", "unet_attention_key_dim": self-attention at the
//     bottleneck, disabled if heads <= 0.
//   - "sinusoidal_embed_size": size of the noise level embedding.
type Denoiser struct {
	LoRA LoRA
	Text TextEncoder

	// Schedule defines the training noise levels. The zero value falls back
	// to sampler.DefaultConfig().
	Schedule sampler.Config
}

// sinusoidalEmbedding embeds x at geometrically spaced frequencies, so the
// network can easily resolve both small and large noise levels.
func sinusoidalEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	halfEmbed := context.GetParamOr(ctx, "sinusoidal_embed_size", 32) / 2
	logMinFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_min_freq", 1.0))
	logMaxFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_max_freq", 1000.0))
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	frequencies = AddScalar(
		MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1)),
		logMinFreq)
	frequencies = Exp(frequencies)

	angularSpeeds := MulScalar(frequencies, 2.0*math.Pi)
	if !x.Shape().IsScalar() {
		angularSpeeds = ExpandLeftToRank(angularSpeeds, x.Rank())
	}
	angles := Mul(angularSpeeds, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// normalizeLayer normalizes according to layers.ParamNormalization.
func normalizeLayer(ctx *context.Context, x *Node) *Node {
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "layer")
	switch norm {
	case "none":
		// No-op.
	case "batch":
		x = batchnorm.New(ctx, x, -1).Center(false).Scale(false).Done()
	case "layer":
		x = layers.LayerNormalization(ctx, x, 1, 2).Done()
	default:
		exceptions.Panicf("invalid %q setting %q: valid values are none, batch or layer",
			layers.ParamNormalization, norm)
	}
	return x
}

// concatContextFeatures appends contextFeatures to x, broadcasting them to
// the spatial dimensions of x.
func concatContextFeatures(x, contextFeatures *Node) *Node {
	if contextFeatures == nil {
		return x
	}
	broadcastDims := contextFeatures.Shape().Clone().Dimensions
	for _, axis := range timages.GetSpatialAxes(x, timages.ChannelsLast) {
		broadcastDims[axis] = x.Shape().Dimensions[axis]
	}
	contextFeatures = BroadcastToDims(contextFeatures, broadcastDims...)
	return Concatenate([]*Node{x, contextFeatures}, -1)
}

// residualBlock transforms x to outputChannels (axis 3) channels.
//
// x must be of rank 4, shaped [batchSize, height, width, channels].
func (d Denoiser) residualBlock(ctx *context.Context, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	residual := x
	layerNum := 0
	nextCtx := func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return
	}

	if inputChannels != outputChannels {
		residual = d.LoRA.Dense(nextCtx("residual_projection"), x, outputChannels)
	}
	x = normalizeLayer(nextCtx("norm"), x)
	x = layers.Convolution(nextCtx("conv"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(nextCtx("conv"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	return Add(x, residual)
}

// downBlock applies numBlocks residual blocks followed by a mean pooling of
// size 2, halving the spatial size. It pushes the value after each residual
// block to the skips stack, to build the skip connections later.
func (d Denoiser) downBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	for ii := 0; ii < numBlocks; ii++ {
		x = d.residualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
		skips = append(skips, x)
	}
	x = MeanPool(x).Window(2).NoPadding().Done()
	return x, skips
}

func upSampleImages(images *Node) *Node {
	shape := images.Shape()
	batchSize := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	numChannels := shape.Dimensions[3]
	upSampled := Concatenate([]*Node{images, images}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	upSampled = Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
	return upSampled
}

// upBlock is the counterpart to downBlock. It up-samples and connects the
// skip connections popped from skips.
func (d Denoiser) upBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	x = upSampleImages(x)
	for ii := 0; ii < numBlocks; ii++ {
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = d.residualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
	}
	return x, skips
}

// attentionBlock applies multi-head self-attention over the flattened
// spatial positions, with a residual connection. The query, key, value and
// output projections are LoRA-wrapped.
func (d Denoiser) attentionBlock(ctx *context.Context, x *Node, numHeads, keyDim int) *Node {
	x.AssertRank(4)
	shape := x.Shape()
	batchSize := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	channels := shape.Dimensions[3]

	seq := Reshape(x, batchSize, height*width, channels)
	normed := layers.LayerNormalization(ctx.In("norm"), seq, -1).Done()
	query := d.LoRA.Dense(ctx.In("query"), normed, numHeads*keyDim)
	key := d.LoRA.Dense(ctx.In("key"), normed, numHeads*keyDim)
	value := d.LoRA.Dense(ctx.In("value"), normed, numHeads*keyDim)
	query = Reshape(query, batchSize, height*width, numHeads, keyDim)
	key = Reshape(key, batchSize, height*width, numHeads, keyDim)
	value = Reshape(value, batchSize, height*width, numHeads, keyDim)

	logits := Einsum("bqhd,bkhd->bqhk", query, key)
	logits = DivScalar(logits, math.Sqrt(float64(keyDim)))
	weights := Softmax(logits, -1)
	attended := Einsum("bqhk,bkhd->bqhd", weights, value)
	attended = Reshape(attended, batchSize, height*width, numHeads*keyDim)
	out := d.LoRA.Dense(ctx.In("output"), attended, channels)
	seq = Add(seq, out)
	return Reshape(seq, batchSize, height, width, channels)
}

// NoisePredictionGraph predicts the noise component of noisy.
//
// Parameters:
//   - noisy: noised image shaped [batchSize, size, size, channels], in the
//     [-1, 1] pixel range plus noise.
//   - sigmas: noise standard deviation per example, shaped [batchSize, 1, 1, 1].
//   - tokens: caption token ids, shaped [batchSize, numTokens].
func (d Denoiser) NoisePredictionGraph(ctx *context.Context, noisy, sigmas, tokens *Node) *Node {
	batchSize := noisy.Shape().Dimensions[0]
	imgSize := noisy.Shape().Dimensions[1]
	imageChannels := noisy.Shape().Dimensions[3]
	noisy.AssertDims(batchSize, imgSize, imgSize, imageChannels)
	sigmas.AssertDims(batchSize, 1, 1, 1)

	tokenEmbeds := d.Text.Embed(ctx.In(TextScope), tokens)
	textFeatures := d.Text.Pool(tokenEmbeds)

	ctx = ctx.In(UNetScope).WithInitializer(initializers.XavierNormalFn(ctx))

	// nextCtx returns a new context prefixed with a counter, to give a nice
	// ordering to the variables.
	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	numChannelsList := context.GetParamOr(ctx, "unet_channels_list", []int{32, 64, 96, 128})
	numBlocks := context.GetParamOr(ctx, "unet_num_residual_blocks", 2)
	numHeads := context.GetParamOr(ctx, "unet_attention_heads", 4)
	keyDim := context.GetParamOr(ctx, "unet_attention_key_dim", 32)

	// Rescale the input back to unit variance: Var(x + σn) = Var(x) + σ².
	x := Div(noisy, Sqrt(OnePlus(Square(sigmas))))

	// Conditioning features: the noise level embedded as σ/(1+σ) at sinusoidal
	// frequencies, concatenated with the pooled caption embedding.
	sigmaEmbed := sinusoidalEmbedding(ctx, Div(sigmas, OnePlus(sigmas)))
	contextFeatures := Concatenate([]*Node{sigmaEmbed, InsertAxes(textFeatures, 1, 1)}, -1)

	x = d.LoRA.Dense(nextCtx("StartingChannelsProjection"), x, numChannelsList[0])

	// Downward: keep pooling the image to a smaller size, stacking the skip
	// connections to be consumed on the way up.
	skips := make([]*Node, 0, numBlocks*len(numChannelsList))
	for ii, numChannels := range numChannelsList {
		x = concatContextFeatures(x, contextFeatures)
		x, skips = d.downBlock(nextCtx("DownBlock_%d", ii), x, skips, numBlocks, numChannels)
	}

	// Bottleneck: smallest spatial shape, largest embedding size.
	lastNumChannels := xslices.Last(numChannelsList)
	for ii := range numBlocks {
		x = d.residualBlock(nextCtx("IntermediaryBlock_%02d", ii), x, lastNumChannels)
	}
	if numHeads > 0 {
		x = d.attentionBlock(nextCtx("Attention"), x, numHeads, keyDim)
	}

	// Upward: up-sample the image back to the original size.
	for ii := range numChannelsList {
		numChannels := numChannelsList[len(numChannelsList)-(ii+1)]
		x, skips = d.upBlock(nextCtx("UpBlock_%d", ii), x, skips, numBlocks, numChannels)
	}
	if len(skips) != 0 {
		exceptions.Panicf("ended with %d skips not accounted for!?", len(skips))
	}

	// Output initialized to 0, which is the mean of the target.
	x = layers.DenseWithBias(nextCtx("Readout").WithInitializer(initializers.Zero), x, imageChannels)
	return x
}

// maskedMSE averages the squared error over the pixels selected by masks.
// masks is shaped [batchSize, height, width, 1] and broadcast over channels.
func maskedMSE(predicted, target, masks *Node) *Node {
	sq := Square(Sub(predicted, target))
	weighted := Mul(sq, masks)
	norm := MulScalar(ReduceAllSum(masks), float64(predicted.Shape().Dim(-1)))
	return Div(ReduceAllSum(weighted), AddScalar(norm, 1e-6))
}

// BuildTrainingModelGraph returns the train.ModelFn for fine-tuning: it
// noises the batch images at a level drawn from the training schedule,
// predicts the noise and returns [predictedNoises, loss], with loss the
// mask-weighted MSE between predicted and actual noise.
func (d Denoiser) BuildTrainingModelGraph() train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		images, masks, tokens := inputs[0], inputs[1], inputs[2]
		dtype := images.DType()
		batchSize := images.Shape().Dimensions[0]

		// Pixels from [0, 1] to [-1, 1].
		images = AddScalar(MulScalar(images, 2), -1)
		masks = ConvertDType(masks, dtype)

		// One noise level per example, drawn uniformly from the training
		// schedule.
		schedule := d.Schedule
		if schedule.NumTrainTimesteps == 0 {
			schedule = sampler.DefaultConfig()
		}
		sigmaTable := ConvertDType(Const(g, schedule.TrainSigmas()), dtype)
		numTimesteps := sigmaTable.Shape().Dimensions[0]
		uniform := ctx.RandomUniform(g, shapes.Make(dtype, batchSize))
		timesteps := ConvertDType(MulScalar(uniform, float64(numTimesteps)), dtypes.Int32)
		timesteps = ClipScalar(timesteps, 0, float64(numTimesteps-1))
		sigmas := Reshape(Gather(sigmaTable, InsertAxes(timesteps, -1), false), batchSize, 1, 1, 1)

		noises := ctx.RandomNormal(g, images.Shape())
		noisy := StopGradient(Add(images, Mul(noises, sigmas)))

		predictedNoises := d.NoisePredictionGraph(ctx, noisy, sigmas, tokens)
		loss := maskedMSE(predictedNoises, noises, masks)
		return []*Node{predictedNoises, loss}
	}
}
