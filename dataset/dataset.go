package dataset

import (
	"image"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Dataset yields batches of prepared training examples. Each batch is three
// input tensors: images shaped [batch, height, width, 3] scaled to [0, 1],
// loss weight masks shaped [batch, height, width, 1] and caption token ids
// shaped [batch, ContextLength].
//
// It is safe for concurrent Yield calls.
type Dataset struct {
	name   string
	dtype  dtypes.DType
	height int
	width  int

	images []image.Image
	masks  [][]float32
	tokens [][]int32

	batchSize int
	infinite  bool
	shuffle   *rand.Rand

	mu    sync.Mutex
	order []int
	next  int
}

// Assert *Dataset implements train.Dataset.
var _ train.Dataset = &Dataset{}

// New loads a prepared dataset directory, written by Preprocess, into memory
// and encodes its captions with the given tokenizer.
//
// The returned dataset is sequential, finite and has batch size 1. Chain
// BatchSize, Shuffle and Infinite to configure it for training.
func New(dirPath string, tokenizer *Tokenizer, dtype dtypes.DType) (*Dataset, error) {
	examples, err := ReadManifest(dirPath)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{
		name:      "train",
		dtype:     dtype,
		batchSize: 1,
	}
	for _, example := range examples {
		img, err := imaging.Open(example.Path(dirPath))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load image %q", example.ImageFile)
		}
		mask, err := imaging.Open(example.MaskPath(dirPath))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load mask %q", example.MaskFile)
		}
		size := img.Bounds().Size()
		if ds.images == nil {
			ds.width, ds.height = size.X, size.Y
		} else if size.X != ds.width || size.Y != ds.height {
			return nil, errors.Errorf("image %q is %dx%d, want %dx%d like the rest of the dataset",
				example.ImageFile, size.X, size.Y, ds.width, ds.height)
		}
		if maskSize := mask.Bounds().Size(); maskSize.X != ds.width || maskSize.Y != ds.height {
			return nil, errors.Errorf("mask %q is %dx%d, want %dx%d to match its image",
				example.MaskFile, maskSize.X, maskSize.Y, ds.width, ds.height)
		}
		ds.images = append(ds.images, img)
		ds.masks = append(ds.masks, maskToFloats(mask))
		ds.tokens = append(ds.tokens, tokenizer.Encode(example.Caption))
	}
	ds.order = sequentialOrder(len(ds.images))
	return ds, nil
}

// WithName renames the dataset for logs and metrics.
func (ds *Dataset) WithName(name string) *Dataset {
	ds.name = name
	return ds
}

// BatchSize sets the number of examples per Yield. Incomplete trailing
// batches are dropped.
func (ds *Dataset) BatchSize(batchSize int) *Dataset {
	ds.batchSize = batchSize
	return ds
}

// Shuffle makes the dataset sample examples in random order, reshuffling at
// every epoch.
func (ds *Dataset) Shuffle() *Dataset {
	ds.shuffle = rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	return ds
}

// Infinite makes the dataset loop over its examples forever, never returning
// io.EOF. Epochs shorter than a batch are concatenated.
func (ds *Dataset) Infinite() *Dataset {
	ds.infinite = true
	return ds
}

// NumExamples returns how many examples were loaded.
func (ds *Dataset) NumExamples() int { return len(ds.images) }

// Size returns the height and width of every image in the dataset.
func (ds *Dataset) Size() (height, width int) { return ds.height, ds.width }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset, restarting the dataset for a new epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.reshuffleLocked()
}

func (ds *Dataset) reshuffleLocked() {
	ds.next = 0
	if ds.shuffle == nil {
		return
	}
	ds.shuffle.Shuffle(len(ds.order), func(ii, jj int) {
		ds.order[ii], ds.order[jj] = ds.order[jj], ds.order[ii]
	})
}

// Yield implements train.Dataset. The labels are empty, the loss is computed
// from the inputs by the model itself.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	indices := make([]int, 0, ds.batchSize)
	for len(indices) < ds.batchSize {
		if ds.next >= len(ds.order) {
			if !ds.infinite {
				ds.mu.Unlock()
				return nil, nil, nil, io.EOF
			}
			ds.reshuffleLocked()
		}
		indices = append(indices, ds.order[ds.next])
		ds.next++
	}
	ds.mu.Unlock()

	batchImages := make([]image.Image, 0, len(indices))
	flatMasks := make([]float32, 0, len(indices)*ds.height*ds.width)
	flatTokens := make([]int32, 0, len(indices)*ContextLength)
	for _, idx := range indices {
		batchImages = append(batchImages, ds.images[idx])
		flatMasks = append(flatMasks, ds.masks[idx]...)
		flatTokens = append(flatTokens, ds.tokens[idx]...)
	}
	imagesT := timage.ToTensor(ds.dtype).Batch(batchImages)
	masksT := tensors.FromFlatDataAndDimensions(flatMasks, len(indices), ds.height, ds.width, 1)
	tokensT := tensors.FromFlatDataAndDimensions(flatTokens, len(indices), ContextLength)
	return ds, []*tensors.Tensor{imagesT, masksT, tokensT}, nil, nil
}

func sequentialOrder(n int) []int {
	order := make([]int, n)
	for ii := range order {
		order[ii] = ii
	}
	return order
}

// maskToFloats flattens a grayscale mask image to per-pixel loss weights in
// [0, 1], row-major.
func maskToFloats(mask image.Image) []float32 {
	bounds := mask.Bounds()
	flat := make([]float32, 0, bounds.Dx()*bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := mask.At(x, y).RGBA()
			flat = append(flat, float32(r)/0xFFFF)
		}
	}
	return flat
}
