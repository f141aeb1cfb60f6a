package finetune

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"

	"github.com/chigozienri/lora-training-sdxl/sampler"
	"github.com/chigozienri/lora-training-sdxl/trainer"
)

// Context parameter names of the dataset preparation settings. The training
// hyperparameters are named in the trainer package.
const (
	ParamTokenString         = "token_string"
	ParamCaptionPrefix       = "caption_prefix"
	ParamMaskTargetPrompts   = "mask_target_prompts"
	ParamCropBasedOnSalience = "crop_based_on_salience"
	ParamUseFaceDetection    = "use_face_detection_instead"
	ParamClipsegTemperature  = "clipseg_temperature"
	ParamInputImagesFiletype = "input_images_filetype"
)

// CreateDefaultContext creates a context with the fine-tuning
// hyperparameters set to their default values.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		// Random seed for reproducible training; seed < 0 draws a random one.
		trainer.ParamSeed: -1,

		// dtype the model computes in: float32, float16, bfloat16 or float64.
		trainer.ParamDType: "float32",

		// Square pixel resolution the training images are resized to.
		trainer.ParamResolution: 768,

		// Training length: max_train_steps caps
		// num_train_epochs * ceil(numExamples / train_batch_size).
		trainer.ParamTrainBatchSize: 4,
		trainer.ParamNumTrainEpochs: 4000,
		trainer.ParamMaxTrainSteps:  1000,

		// Learning rates per variable group: the frozen denoiser trunk, the
		// textual-inversion embeddings and the LoRA adapters.
		trainer.ParamUNetLearningRate: 1e-6,
		trainer.ParamTILearningRate:   3e-4,
		trainer.ParamLoRALearningRate: 1e-4,

		// Learning rate schedule ("constant" or "linear") with warmup, and
		// the global gradient norm clip.
		trainer.ParamLRScheduler:   "constant",
		trainer.ParamLRWarmupSteps: 100,
		trainer.ParamMaxGradNorm:   1.0,

		// Rank of the LoRA adapter pairs.
		trainer.ParamLoRARank: 32,

		// Checkpointing frequency (set very high to effectively disable it)
		// and how many checkpoints to keep.
		trainer.ParamCheckpointingSteps: 999999,
		trainer.ParamNumCheckpoints:     3,

		trainer.ParamVerbose: true,

		// Preview sample generation during training: how many generations
		// over the run, which sampler, and denoising steps per sample.
		// 0 disables previews.
		trainer.ParamSamplesDuringTraining: 0,
		trainer.ParamSampler:               string(sampler.KEuler),
		trainer.ParamSampleSteps:           30,

		// The trigger word trained to mean the new concept, and the caption
		// prefix it appears in during captioning.
		ParamTokenString:   "TOK",
		ParamCaptionPrefix: "a photo of TOK, ",

		// Loss masking: focus training on the region the prompts describe;
		// empty trains uniformly on whole images. The temperature controls
		// how soft the mask falloff is.
		ParamMaskTargetPrompts:  "",
		ParamClipsegTemperature: 1.0,

		// Cropping: follow image salience, or detected faces, instead of
		// always cutting the center square.
		ParamCropBasedOnSalience: true,
		ParamUseFaceDetection:    false,

		// Archive format of the input images: zip, tar or infer.
		ParamInputImagesFiletype: "infer",

		// Denoiser architecture.
		"unet_channels_list":       []int{32, 64, 96, 128},
		"unet_num_residual_blocks": 2,
		"unet_attention_heads":     4,
		"unet_attention_key_dim":   32,
		"sinusoidal_embed_size":    32,
		"text_embed_size":          64,
		layers.ParamNormalization:  "layer",

		// "plots" collects evaluation points along the checkpoints for
		// plotting.
		plotly.ParamPlots: false,
	})
	return ctx
}
