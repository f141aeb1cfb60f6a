package finetune

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chigozienri/lora-training-sdxl/sampler"
	"github.com/chigozienri/lora-training-sdxl/trainer"
)

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()

	assert.Equal(t, "TOK", context.GetParamOr(ctx, ParamTokenString, ""))
	assert.Equal(t, "a photo of TOK, ", context.GetParamOr(ctx, ParamCaptionPrefix, ""))
	assert.Equal(t, "infer", context.GetParamOr(ctx, ParamInputImagesFiletype, ""))
	assert.Equal(t, -1, context.GetParamOr(ctx, trainer.ParamSeed, 0))
	assert.Equal(t, 768, context.GetParamOr(ctx, trainer.ParamResolution, 0))
	assert.Equal(t, 1000, context.GetParamOr(ctx, trainer.ParamMaxTrainSteps, 0))
	assert.Equal(t, 32, context.GetParamOr(ctx, trainer.ParamLoRARank, 0))
	assert.True(t, context.GetParamOr(ctx, trainer.ParamVerbose, false))

	// The default choice parameters must parse with their own validators.
	_, err := trainer.ParseSchedule(context.GetParamOr(ctx, trainer.ParamLRScheduler, ""))
	require.NoError(t, err)
	samplerName := sampler.Name(context.GetParamOr(ctx, trainer.ParamSampler, ""))
	_, err = sampler.New(samplerName, sampler.DefaultConfig())
	require.NoError(t, err)
}
