// Package dataset prepares the training dataset for fine-tuning: it unpacks
// the user-supplied image archive, normalizes the images to square crops,
// writes per-image loss weight masks and a caption manifest, and feeds the
// result to the trainer as a train.Dataset.
package dataset

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/chigozienri/lora-training-sdxl/tokenmap"
)

// PreprocessArgs carries the preprocessing contract: where the input archive
// is, how to unpack it, and how images, masks and captions are produced.
type PreprocessArgs struct {
	// ArchivePath points at the zip or tar archive with the input images.
	ArchivePath string
	// Filetype selects the archive format, FiletypeInfer guesses from the name.
	Filetype Filetype
	// CaptionPrefix starts every caption, e.g. "a photo of TOK, ".
	CaptionPrefix string
	// TokenMap substitutes trigger words by their placeholder tokens in captions.
	TokenMap *tokenmap.Map
	// TargetSize is the side of the square training images.
	TargetSize int
	// MaskTargetPrompts enables mask weighting when non-empty.
	MaskTargetPrompts string
	// ClipsegTemperature controls how sharply mask weight falls off the center.
	ClipsegTemperature float64
	// CropBasedOnSalience shifts the square crop toward image detail instead
	// of always cropping the center.
	CropBasedOnSalience bool
	// UseFaceDetection requests face-driven cropping. Without a bundled face
	// model it falls back to salience cropping.
	UseFaceDetection bool
	// Verbose shows a progress bar.
	Verbose bool
}

// Preprocess unpacks and prepares the training dataset under dataDir and
// returns the prepared directory: square PNG images, one grayscale weight
// mask per image and the caption manifest.
//
// If the archive itself carries a captions.csv (columns image_file, caption),
// those captions are appended to the caption prefix per image.
func Preprocess(dataDir string, args PreprocessArgs) (preparedDir string, err error) {
	// Everything checkable without I/O fails first.
	resolved, err := args.Filetype.Resolve(args.ArchivePath)
	if err != nil {
		return "", err
	}
	if args.TargetSize <= 0 {
		return "", errors.Errorf("target image size must be positive, got %d", args.TargetSize)
	}
	if args.MaskTargetPrompts != "" && args.ClipsegTemperature <= 0 {
		return "", errors.Errorf("mask temperature must be positive, got %g", args.ClipsegTemperature)
	}
	if _, err := os.Stat(args.ArchivePath); err != nil {
		return "", errors.Wrapf(err, "input images archive %q not readable", args.ArchivePath)
	}

	preparedDir = filepath.Join(dataDir, "dataset-"+uuid.NewString())
	defer func() {
		if err != nil {
			_ = os.RemoveAll(preparedDir)
		}
	}()
	rawDir := filepath.Join(preparedDir, "raw")
	if err := ExtractArchive(args.ArchivePath, rawDir, resolved); err != nil {
		return "", errors.WithMessagef(err, "failed to unpack input images %q", args.ArchivePath)
	}
	imagePaths, err := listImages(rawDir)
	if err != nil {
		return "", err
	}
	if len(imagePaths) == 0 {
		return "", errors.Errorf("no images found in %q", args.ArchivePath)
	}
	sideCaptions := readSidecarCaptions(rawDir)

	if args.UseFaceDetection {
		klog.Warningf("Face detection model not bundled, falling back to salience-based cropping")
	}
	salience := args.CropBasedOnSalience || args.UseFaceDetection

	var bar *progressbar.ProgressBar
	if args.Verbose {
		bar = progressbar.NewOptions(len(imagePaths),
			progressbar.OptionSetDescription("Preprocessing"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	mask := weightMask(args.TargetSize, args.MaskTargetPrompts, args.ClipsegTemperature)
	examples := make([]Example, 0, len(imagePaths))
	for _, imagePath := range imagePaths {
		img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
		if err != nil {
			klog.Warningf("Skipping unreadable image %q: %v", imagePath, err)
			continue
		}
		square := cropSquare(img, args.TargetSize, salience)

		idx := len(examples)
		imageFile := fmt.Sprintf("%d.src.png", idx)
		maskFile := fmt.Sprintf("%d.mask.png", idx)
		if err := imaging.Save(square, filepath.Join(preparedDir, imageFile)); err != nil {
			return "", errors.Wrapf(err, "failed to save %q", imageFile)
		}
		if err := imaging.Save(mask, filepath.Join(preparedDir, maskFile)); err != nil {
			return "", errors.Wrapf(err, "failed to save %q", maskFile)
		}

		caption := args.CaptionPrefix
		if side, found := sideCaptions[filepath.Base(imagePath)]; found {
			caption += side
		}
		if args.TokenMap != nil {
			caption = args.TokenMap.Substitute(caption)
		}
		examples = append(examples, Example{ImageFile: imageFile, MaskFile: maskFile, Caption: caption})
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Close()
		fmt.Println()
	}
	if len(examples) == 0 {
		return "", errors.Errorf("none of the %d files in %q could be decoded as images", len(imagePaths), args.ArchivePath)
	}
	if err := WriteManifest(preparedDir, examples); err != nil {
		return "", err
	}
	_ = os.RemoveAll(rawDir)
	klog.V(1).Infof("Prepared %d training images of size %dx%d in %q",
		len(examples), args.TargetSize, args.TargetSize, preparedDir)
	return preparedDir, nil
}

// listImages walks dir and returns every file that looks like an image,
// sorted for deterministic numbering.
func listImages(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images under %q", dir)
	}
	sort.Strings(paths)
	return paths, nil
}

// readSidecarCaptions loads an optional captions.csv shipped inside the
// input archive, mapping image file names to caption texts.
func readSidecarCaptions(rawDir string) map[string]string {
	filePath := filepath.Join(rawDir, ManifestFile)
	f, err := os.Open(filePath)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true))
	if df.Err != nil {
		klog.Warningf("Ignoring caption file %q: %v", filePath, df.Err)
		return nil
	}
	hasImage, hasCaption := false, false
	for _, name := range df.Names() {
		hasImage = hasImage || name == colImageFile
		hasCaption = hasCaption || name == colCaption
	}
	if !hasImage || !hasCaption {
		klog.Warningf("Ignoring caption file %q: missing %q or %q column", filePath, colImageFile, colCaption)
		return nil
	}
	imageFiles := df.Col(colImageFile).Records()
	captions := df.Col(colCaption).Records()
	sideCaptions := make(map[string]string, len(imageFiles))
	for ii := range imageFiles {
		sideCaptions[filepath.Base(imageFiles[ii])] = captions[ii]
	}
	klog.V(1).Infof("Loaded %d captions from %q", len(sideCaptions), filePath)
	return sideCaptions
}

// cropSquare resizes img so its short side equals size and cuts a size×size
// window. The window is centered, or slides along the long axis toward the
// region with the most detail when salience cropping is enabled.
func cropSquare(img image.Image, size int, salience bool) image.Image {
	bounds := img.Bounds().Size()
	if bounds.X <= bounds.Y {
		img = imaging.Resize(img, size, 0, imaging.Lanczos)
	} else {
		img = imaging.Resize(img, 0, size, imaging.Lanczos)
	}
	resized := img.Bounds().Size()
	if resized.X <= size && resized.Y <= size {
		return img
	}
	horizontal := resized.X > size
	center := 0.5
	if salience {
		center = salienceCenter(img, horizontal)
	}
	if horizontal {
		offset := clampOffset(center, resized.X, size)
		return imaging.Crop(img, image.Rect(offset, 0, offset+size, size))
	}
	offset := clampOffset(center, resized.Y, size)
	return imaging.Crop(img, image.Rect(0, offset, size, offset+size))
}

// clampOffset converts a normalized window center into a valid crop offset.
func clampOffset(center float64, length, size int) int {
	offset := int(center*float64(length)) - size/2
	if offset < 0 {
		offset = 0
	}
	if offset > length-size {
		offset = length - size
	}
	return offset
}

// salienceCenter estimates where the image content concentrates along one
// axis, as the center of mass of luminance gradient energy, in [0, 1].
func salienceCenter(img image.Image, horizontal bool) float64 {
	const probeSize = 64
	gray := imaging.Grayscale(imaging.Resize(img, probeSize, probeSize, imaging.Box))
	var total, weighted float64
	for y := 0; y < probeSize-1; y++ {
		for x := 0; x < probeSize-1; x++ {
			v := float64(gray.NRGBAAt(x, y).R)
			dx := math.Abs(float64(gray.NRGBAAt(x+1, y).R) - v)
			dy := math.Abs(float64(gray.NRGBAAt(x, y+1).R) - v)
			energy := dx + dy
			pos := float64(y)
			if horizontal {
				pos = float64(x)
			}
			total += energy
			weighted += energy * pos
		}
	}
	if total == 0 {
		return 0.5
	}
	return (weighted/total + 0.5) / probeSize
}

// weightMask builds the per-pixel loss weight mask: uniform full weight when
// no mask target prompts are set, otherwise a center-weighted falloff whose
// width grows with temperature. A floor keeps every pixel contributing.
func weightMask(size int, maskTargetPrompts string, temperature float64) *image.Gray {
	mask := image.NewGray(image.Rect(0, 0, size, size))
	if maskTargetPrompts == "" {
		for ii := range mask.Pix {
			mask.Pix[ii] = 0xFF
		}
		return mask
	}
	center := float64(size-1) / 2
	halfSize := float64(size) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := (float64(x) - center) / halfSize
			dy := (float64(y) - center) / halfSize
			w := math.Exp(-2 * (dx*dx + dy*dy) / (temperature * temperature))
			mask.SetGray(x, y, color.Gray{Y: uint8(255 * (0.1 + 0.9*w))})
		}
	}
	return mask
}
