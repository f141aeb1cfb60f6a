package trainer

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoRADense(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)

	const (
		batchSize = 2
		inputDim  = 6
		outputDim = 4
		rank      = 2
	)
	newExec := func(l LoRA) *context.Exec {
		return context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return l.Dense(ctx.In("proj"), x, outputDim)
		})
	}
	plainExec := newExec(LoRA{})
	adaptedExec := newExec(LoRA{Rank: rank, Alpha: rank})

	flat := make([]float32, batchSize*inputDim)
	for ii := range flat {
		flat[ii] = float32(ii%5) - 2
	}
	x := tensors.FromFlatDataAndDimensions(flat, batchSize, inputDim)

	want := must.M1(plainExec.Exec1(x))
	require.Equal(t, []int{batchSize, outputDim}, want.Shape().Dimensions)

	// The "up" half starts at zero, so the adapted projection starts out
	// identical to the frozen one.
	got := must.M1(adaptedExec.Exec1(x))
	require.Equal(t, []int{batchSize, outputDim}, got.Shape().Dimensions)
	wantFlat := tensors.MustCopyFlatData[float32](want)
	gotFlat := tensors.MustCopyFlatData[float32](got)
	for ii := range wantFlat {
		assert.InDeltaf(t, wantFlat[ii], gotFlat[ii], 1e-6, "output element %d", ii)
	}

	// Only the adapter pair is trainable.
	var trainable []string
	for v := range ctx.IterVariables() {
		if v.Trainable {
			trainable = append(trainable, v.Scope()+context.ScopeSeparator+v.Name())
		}
	}
	assert.ElementsMatch(t, []string{"/proj/lora/down", "/proj/lora/up"}, trainable)

	downVar := ctx.GetVariableByScopeAndName("/proj/lora", "down")
	require.NotNil(t, downVar)
	assert.Equal(t, []int{rank, inputDim}, downVar.Shape().Dimensions)
	upVar := ctx.GetVariableByScopeAndName("/proj/lora", "up")
	require.NotNil(t, upVar)
	assert.Equal(t, []int{outputDim, rank}, upVar.Shape().Dimensions)

	// Once the "up" half moves away from zero the adapter contributes.
	ones := make([]float32, outputDim*rank)
	for ii := range ones {
		ones[ii] = 1
	}
	upVar.MustSetValue(tensors.FromFlatDataAndDimensions(ones, outputDim, rank))
	changed := must.M1(adaptedExec.Exec1(x))
	assert.NotEqual(t, wantFlat, tensors.MustCopyFlatData[float32](changed))

	// Higher rank inputs project over the last axis only.
	seq := tensors.FromFlatDataAndDimensions(make([]float32, 2*3*inputDim), 2, 3, inputDim)
	out := must.M1(adaptedExec.Exec1(seq))
	assert.Equal(t, []int{2, 3, outputDim}, out.Shape().Dimensions)
}
