package trainer

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextEncoderEmbed(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	te := TextEncoder{VocabSize: 10, NumPlaceholders: 2, EmbedDim: 8, DType: dtypes.Float32}

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, tokens *Node) *Node {
		return te.Embed(ctx.In(TextScope), tokens)
	})

	// Ids 10 and 11 are past the base vocabulary, they hit the placeholder
	// rows.
	tokens := tensors.FromFlatDataAndDimensions([]int32{0, 9, 10, 11}, 1, 4)
	embeddings := must.M1(exec.Exec1(tokens))
	assert.Equal(t, []int{1, 4, 8}, embeddings.Shape().Dimensions)

	// The base table is frozen, the placeholder rows train.
	baseVar := ctx.GetVariableByScopeAndName("/text", "embeddings")
	require.NotNil(t, baseVar)
	assert.False(t, baseVar.Trainable)
	assert.Equal(t, []int{10, 8}, baseVar.Shape().Dimensions)

	inversionVar := ctx.GetVariableByScopeAndName("/text/"+InversionScope, "embeddings")
	require.NotNil(t, inversionVar)
	assert.True(t, inversionVar.Trainable)
	assert.Equal(t, []int{2, 8}, inversionVar.Shape().Dimensions)

	// Placeholder ids gather from the inversion rows.
	rows := make([]float32, 2*8)
	for ii := range rows {
		rows[ii] = float32(ii)
	}
	inversionVar.MustSetValue(tensors.FromFlatDataAndDimensions(rows, 2, 8))
	embeddings = must.M1(exec.Exec1(tokens))
	flat := tensors.MustCopyFlatData[float32](embeddings)
	for ii := range 8 {
		assert.InDeltaf(t, rows[ii], flat[2*8+ii], 1e-6, "id 10, element %d", ii)
		assert.InDeltaf(t, rows[8+ii], flat[3*8+ii], 1e-6, "id 11, element %d", ii)
	}
}

func TestTextEncoderPool(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	te := TextEncoder{VocabSize: 4, EmbedDim: 2, DType: dtypes.Float32}
	pooled := MustExecOnce(backend, func(g *Graph) *Node {
		embeddings := Const(g, [][][]float32{{{1, 2}, {3, 4}, {5, 6}}})
		return te.Pool(embeddings)
	})
	assert.Equal(t, []int{1, 2}, pooled.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](pooled)
	assert.InDelta(t, 3.0, flat[0], 1e-6)
	assert.InDelta(t, 4.0, flat[1], 1e-6)
}
