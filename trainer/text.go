package trainer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gopjrt/dtypes"
)

// InversionScope is the variable sub-scope holding the trainable
// textual-inversion embedding rows. The optimizer assigns these the "ti_lr"
// learning rate.
const InversionScope = "inversion"

// TextEncoder embeds caption token ids into the conditioning vector fed to
// the denoiser. The base vocabulary rows are frozen; ids at or above
// VocabSize select embeddings from a separate trainable textual-inversion
// table, one row per placeholder token.
type TextEncoder struct {
	VocabSize       int
	NumPlaceholders int
	EmbedDim        int
	DType           dtypes.DType
}

// Embed maps token ids shaped [batchSize, numTokens] to embeddings shaped
// [batchSize, numTokens, EmbedDim].
func (te TextEncoder) Embed(ctx *context.Context, tokens *Node) *Node {
	g := tokens.Graph()
	baseVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02)).
		VariableWithShape("embeddings", shapes.Make(te.DType, te.VocabSize, te.EmbedDim)).
		SetTrainable(false)
	table := baseVar.ValueGraph(g)
	if te.NumPlaceholders > 0 {
		inversionVar := ctx.In(InversionScope).
			WithInitializer(initializers.RandomNormalFn(ctx, 0.02)).
			VariableWithShape("embeddings", shapes.Make(te.DType, te.NumPlaceholders, te.EmbedDim))
		table = Concatenate([]*Node{table, inversionVar.ValueGraph(g)}, 0)
	}
	return Gather(table, InsertAxes(tokens, -1), false)
}

// Pool averages the token embeddings into one conditioning vector per
// example, shaped [batchSize, EmbedDim].
func (te TextEncoder) Pool(embeddings *Node) *Node {
	return ReduceMean(embeddings, 1)
}
