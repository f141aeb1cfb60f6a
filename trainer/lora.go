package trainer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// LoRAScope is the variable sub-scope holding the trainable adapter pairs.
// The optimizer assigns these variables the "lora_lr" learning rate, and the
// artifact writer collects them into lora.safetensors.
const LoRAScope = "lora"

// LoRA configures the low-rank adapters wrapped around the denoiser
// projections. Rank <= 0 disables the adapters, leaving plain frozen
// projections.
type LoRA struct {
	Rank  int
	Alpha float64
}

// Dense projects the last axis of x to outputDim through a frozen full-rank
// weight plus a trainable low-rank update:
//
//	y = x*W + b + (Alpha/Rank) * x*A*B
//
// with A shaped [Rank, inputDim] and B shaped [outputDim, Rank]. Only A and
// B are trainable. B is initialized to zero, so the projection starts out
// identical to the frozen one.
func (l LoRA) Dense(ctx *context.Context, x *Node, outputDim int) *Node {
	g := x.Graph()
	dtype := x.DType()
	inputDim := x.Shape().Dim(-1)

	weightsVar := ctx.WithInitializer(initializers.XavierNormalFn(ctx)).
		VariableWithShape("weights", shapes.Make(dtype, outputDim, inputDim)).
		SetTrainable(false)
	biasesVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, outputDim)).
		SetTrainable(false)
	y := Einsum("...i,oi->...o", x, weightsVar.ValueGraph(g))
	y = Add(y, ExpandLeftToRank(biasesVar.ValueGraph(g), y.Rank()))
	if l.Rank <= 0 {
		return y
	}

	loraCtx := ctx.In(LoRAScope)
	downVar := loraCtx.WithInitializer(initializers.RandomNormalFn(ctx, 1.0/float64(l.Rank))).
		VariableWithShape("down", shapes.Make(dtype, l.Rank, inputDim))
	upVar := loraCtx.WithInitializer(initializers.Zero).
		VariableWithShape("up", shapes.Make(dtype, outputDim, l.Rank))
	delta := Einsum("...i,ri->...r", x, downVar.ValueGraph(g))
	delta = Einsum("...r,or->...o", delta, upVar.ValueGraph(g))
	return Add(y, MulScalar(delta, l.Alpha/float64(l.Rank)))
}
