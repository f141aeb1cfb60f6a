// Command sdxl_lora_train fine-tunes the SDXL denoiser on the subject images
// of an archive, and writes the trained LoRA adapters and textual-inversion
// embeddings as a single `lora.safetensors` artifact.
//
// Example:
//
//	sdxl_lora_train --input_images=photos.zip \
//	    --set="token_string=TOK;max_train_steps=1000;lora_rank=32"
//
// Hyperparameters are context settings (--set), see
// finetune.CreateDefaultContext for the full list and the defaults. The
// backend is selected with GOMLX_BACKEND.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/chigozienri/lora-training-sdxl/finetune"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagInputImages = flag.String("input_images", "", "Archive (.zip or .tar) with the subject images to fine-tune on. Required.")
	flagDataDir     = flag.String("data", "~/work/sdxl-lora", "Directory to cache downloaded weights and generated dataset files.")
	flagOutputDir   = flag.String("output", "", "Directory receiving the artifact, checkpoints and preview samples. Defaults to <data>/training_out.")
)

var resultStyle = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder()).
	Padding(0, 2, 0, 2)

func main() {
	ctx := finetune.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagInputImages == "" {
		fmt.Fprintln(os.Stderr, "Flag --input_images is required.")
		flag.Usage()
		os.Exit(1)
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	cfg := finetune.NewConfig(backend, ctx, *flagDataDir, paramsSet)
	if *flagOutputDir != "" {
		cfg.OutputDir = *flagOutputDir
	}

	var artifactPath string
	err := exceptions.TryCatch[error](func() {
		artifactPath = must.M1(cfg.Run(*flagInputImages))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}

	info := must.M1(os.Stat(artifactPath))
	fmt.Println(resultStyle.Render(fmt.Sprintf(
		"Trained weights: %s (%s)", artifactPath, humanize.Bytes(uint64(info.Size())))))
}
