package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"github.com/wbrown/gpt_bpe"
)

// ContextLength is the text conditioning window of the CLIP text encoder:
// 75 caption tokens plus the start and end markers.
const (
	ContextLength    = 77
	maxCaptionTokens = ContextLength - 2
)

// ManifestFile is the caption manifest written into every prepared dataset
// directory, one row per image: image_file, mask_file, caption.
const ManifestFile = "captions.csv"

const (
	colImageFile = "image_file"
	colMaskFile  = "mask_file"
	colCaption   = "caption"
)

// Example is one manifest row. File names are relative to the dataset dir.
type Example struct {
	ImageFile string
	MaskFile  string
	Caption   string
}

// Path returns the full path of the example's image inside dir.
func (e Example) Path(dir string) string { return filepath.Join(dir, e.ImageFile) }

// MaskPath returns the full path of the example's mask inside dir.
func (e Example) MaskPath(dir string) string { return filepath.Join(dir, e.MaskFile) }

// WriteManifest saves the examples as ManifestFile in dir.
func WriteManifest(dir string, examples []Example) error {
	imageFiles := make([]string, len(examples))
	maskFiles := make([]string, len(examples))
	captions := make([]string, len(examples))
	for ii, example := range examples {
		imageFiles[ii] = example.ImageFile
		maskFiles[ii] = example.MaskFile
		captions[ii] = example.Caption
	}
	df := dataframe.New(
		series.New(imageFiles, series.String, colImageFile),
		series.New(maskFiles, series.String, colMaskFile),
		series.New(captions, series.String, colCaption),
	)
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build caption manifest")
	}
	filePath := filepath.Join(dir, ManifestFile)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err := df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// ReadManifest loads ManifestFile from dir.
func ReadManifest(dir string) ([]Example, error) {
	filePath := filepath.Join(dir, ManifestFile)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open caption manifest %q", filePath)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.WithTypes(map[string]series.Type{
			colImageFile: series.String,
			colMaskFile:  series.String,
			colCaption:   series.String,
		}))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse caption manifest %q", filePath)
	}
	imageFiles := df.Col(colImageFile).Records()
	maskFiles := df.Col(colMaskFile).Records()
	captions := df.Col(colCaption).Records()
	examples := make([]Example, df.Nrow())
	for ii := range examples {
		examples[ii] = Example{ImageFile: imageFiles[ii], MaskFile: maskFiles[ii], Caption: captions[ii]}
	}
	return examples, nil
}

// Tokenizer is the CLIP BPE tokenizer extended with the placeholder tokens
// being trained: placeholder i encodes to the single id vocabSize+i, matching
// the rows the trainer appends to the embedding table.
type Tokenizer struct {
	encoder       gpt_bpe.GPTEncoder
	vocabSize     int
	placeholders  []string // Longest first, so "<s1>" never splits "<s10>".
	placeholderID map[string]int32
}

// NewTokenizer creates a Tokenizer with the given placeholder tokens, in
// index order (the order assigned by the token map).
func NewTokenizer(placeholderTokens []string) *Tokenizer {
	encoder := gpt_bpe.NewCLIPEncoder()
	tk := &Tokenizer{
		encoder:       encoder,
		vocabSize:     len(encoder.Encoder),
		placeholderID: make(map[string]int32, len(placeholderTokens)),
	}
	for ii, placeholder := range placeholderTokens {
		tk.placeholderID[placeholder] = int32(tk.vocabSize + ii)
	}
	tk.placeholders = append([]string(nil), placeholderTokens...)
	sort.Slice(tk.placeholders, func(i, j int) bool {
		return len(tk.placeholders[i]) > len(tk.placeholders[j])
	})
	return tk
}

// VocabSize is the base CLIP vocabulary size, without placeholders.
func (tk *Tokenizer) VocabSize() int { return tk.vocabSize }

// NumEmbeddings is the embedding table size needed: base vocabulary plus the
// placeholder rows.
func (tk *Tokenizer) NumEmbeddings() int { return tk.vocabSize + len(tk.placeholderID) }

// Encode returns exactly ContextLength ids: the start marker, up to 75
// caption tokens (longer captions are truncated) and the end marker, padded
// with the end marker.
func (tk *Tokenizer) Encode(caption string) []int32 {
	ids := make([]int32, 0, ContextLength)
	ids = append(ids, int32(tk.encoder.BosToken))
	content := tk.encodeContent(caption)
	if len(content) > maxCaptionTokens {
		content = content[:maxCaptionTokens]
	}
	ids = append(ids, content...)
	for len(ids) < ContextLength {
		ids = append(ids, int32(tk.encoder.EosToken))
	}
	return ids
}

// NumCaptionTokens counts the caption tokens of text, before truncation and
// without the start/end markers.
func (tk *Tokenizer) NumCaptionTokens(caption string) int {
	return len(tk.encodeContent(caption))
}

func (tk *Tokenizer) encodeContent(caption string) []int32 {
	var ids []int32
	for _, segment := range tk.split(caption) {
		if id, found := tk.placeholderID[segment]; found {
			ids = append(ids, id)
			continue
		}
		tokens := *tk.encoder.Encode(&segment)
		// The CLIP encoder wraps every call in start/end markers; only the
		// caption content belongs here.
		if len(tokens) > 0 && tokens[0] == tk.encoder.BosToken {
			tokens = tokens[1:]
		}
		if len(tokens) > 0 && tokens[len(tokens)-1] == tk.encoder.EosToken {
			tokens = tokens[:len(tokens)-1]
		}
		for _, token := range tokens {
			ids = append(ids, int32(token))
		}
	}
	return ids
}

// split partitions caption into plain text runs and placeholder tokens.
func (tk *Tokenizer) split(caption string) []string {
	segments := []string{caption}
	for _, placeholder := range tk.placeholders {
		var next []string
		for _, segment := range segments {
			if _, found := tk.placeholderID[segment]; found {
				next = append(next, segment)
				continue
			}
			parts := strings.Split(segment, placeholder)
			for ii, part := range parts {
				if ii > 0 {
					next = append(next, placeholder)
				}
				if part != "" {
					next = append(next, part)
				}
			}
		}
		segments = next
	}
	return segments
}
