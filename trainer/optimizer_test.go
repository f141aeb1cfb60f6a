package trainer

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeHasElement(t *testing.T) {
	assert.True(t, scopeHasElement("/model/lora", "lora"))
	assert.True(t, scopeHasElement("/model/lora/more", "lora"))
	assert.False(t, scopeHasElement("/model/lorax", "lora"))
	assert.False(t, scopeHasElement("/model", "lora"))

	// Optimizer state scopes embed the model scope, so they match too. The
	// artifact writer relies on trainability to tell them apart.
	assert.True(t, scopeHasElement("/GroupedAdamOptimizer/model/lora", "lora"))
}

func TestGroupedAdam(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)

	loraVar := ctx.In("model").In(LoRAScope).VariableWithValue("a", float32(1))
	tiVar := ctx.In("model").In("text").In(InversionScope).VariableWithValue("b", float32(1))
	baseVar := ctx.In("model").VariableWithValue("c", float32(1))

	optimizer := GroupedAdam().
		Group(LoRAScope, 0.1).
		Group(InversionScope, 0.3).
		Default(0.001).
		Done()

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		loss := Square(loraVar.ValueGraph(g))
		loss = Add(loss, Square(tiVar.ValueGraph(g)))
		loss = Add(loss, Square(baseVar.ValueGraph(g)))
		optimizer.UpdateGraph(ctx, g, loss)
		return loss
	})

	lossT := must.M1(exec.Exec1())
	assert.InDelta(t, 3.0, tensors.ToScalar[float32](lossT), 1e-5)

	// Adam's first step moves each weight by roughly its group learning rate.
	assert.InDelta(t, 0.9, tensors.ToScalar[float32](loraVar.MustValue()), 1e-4)
	assert.InDelta(t, 0.7, tensors.ToScalar[float32](tiVar.MustValue()), 1e-4)
	assert.InDelta(t, 0.999, tensors.ToScalar[float32](baseVar.MustValue()), 1e-4)

	assert.EqualValues(t, 1, optimizers.GetGlobalStep(ctx))

	// Moment estimates live under the optimizer scope and don't train.
	m1 := ctx.GetVariableByScopeAndName("/GroupedAdamOptimizer/model/lora", "a_1st_moment")
	require.NotNil(t, m1)
	assert.False(t, m1.Trainable)
	m2 := ctx.GetVariableByScopeAndName("/GroupedAdamOptimizer/model/lora", "a_2nd_moment")
	require.NotNil(t, m2)

	// More steps keep every weight moving towards the minimum at 0.
	for range 3 {
		_ = must.M1(exec.Exec1())
	}
	assert.EqualValues(t, 4, optimizers.GetGlobalStep(ctx))
	assert.Less(t, tensors.ToScalar[float32](loraVar.MustValue()), float32(0.9))
	assert.Less(t, tensors.ToScalar[float32](tiVar.MustValue()), float32(0.7))
	assert.Less(t, tensors.ToScalar[float32](baseVar.MustValue()), float32(0.999))

	// Clear drops the optimizer state.
	require.NoError(t, optimizer.Clear(ctx))
	assert.Nil(t, ctx.InspectVariableIfLoaded("/GroupedAdamOptimizer/model/lora", "a_1st_moment"))
}

func TestGroupedAdamWarmup(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	v := ctx.In("model").In(LoRAScope).VariableWithValue("w", float32(1))

	// 10 warmup steps: the first step applies a tenth of the learning rate.
	optimizer := GroupedAdam().
		Group(LoRAScope, 0.1).
		Schedule(ScheduleConstant, 10, 100).
		Done()

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		loss := Square(v.ValueGraph(g))
		optimizer.UpdateGraph(ctx, g, loss)
		return loss
	})
	_ = must.M1(exec.Exec1())
	assert.InDelta(t, 0.99, tensors.ToScalar[float32](v.MustValue()), 1e-4)
}

func TestGroupedAdamRequiresScalarLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	v := ctx.In("model").VariableWithValue("w", []float32{1, 2})

	optimizer := GroupedAdam().Default(0.1).Done()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		loss := Square(v.ValueGraph(g))
		optimizer.UpdateGraph(ctx, g, loss)
		return loss
	})
	require.Panics(t, func() { exec.MustExec() })
}

func TestClipByGlobalNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Gradients [3] and [4] have global norm 5, clipping to 1 scales both by
	// a fifth.
	clipped := MustExecOnce(backend, func(g *Graph) *Node {
		grads := []*Node{Const(g, []float32{3}), Const(g, []float32{4})}
		return Concatenate(clipByGlobalNorm(grads, dtypes.Float32, 1.0), 0)
	})
	flat := tensors.MustCopyFlatData[float32](clipped)
	assert.InDelta(t, 0.6, flat[0], 1e-5)
	assert.InDelta(t, 0.8, flat[1], 1e-5)

	// A norm below the limit passes through unchanged.
	unclipped := MustExecOnce(backend, func(g *Graph) *Node {
		grads := []*Node{Const(g, []float32{3}), Const(g, []float32{4})}
		return Concatenate(clipByGlobalNorm(grads, dtypes.Float32, 10.0), 0)
	})
	flat = tensors.MustCopyFlatData[float32](unclipped)
	assert.InDelta(t, 3.0, flat[0], 1e-5)
	assert.InDelta(t, 4.0, flat[1], 1e-5)
}
