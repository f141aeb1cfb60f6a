package trainer

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

// GroupedAdam returns the configuration for an Adam optimizer that assigns
// different learning rates to different variable scopes. Fine-tuning uses it
// to train the LoRA adapters, the textual-inversion embeddings and any
// remaining trainable weights at their own rates.
//
// Configure it with the Group, Default, Schedule, MaxGradNorm, Betas,
// Epsilon and Scope methods, and call Done to build the optimizer.
func GroupedAdam() *GroupedAdamConfig {
	return &GroupedAdamConfig{
		scopeName: "GroupedAdamOptimizer",
		defaultLR: -1,
		beta1:     0.9,
		beta2:     0.999,
		epsilon:   1e-7,
	}
}

type lrGroup struct {
	scopeElement string
	learningRate float64
}

// GroupedAdamConfig holds the configuration for a GroupedAdam optimizer.
// Create it with GroupedAdam, and once configured call Done.
type GroupedAdamConfig struct {
	scopeName   string
	defaultLR   float64
	groups      []lrGroup
	beta1       float64
	beta2       float64
	epsilon     float64
	maxGradNorm float64
	schedule    ScheduleKind
	warmupSteps int
	totalSteps  int
	dtype       dtypes.DType
}

// Group assigns learningRate to every trainable variable whose scope path
// contains scopeElement as one of its elements. Groups are matched in the
// order they were added, and variables matching no group use the default
// learning rate.
func (c *GroupedAdamConfig) Group(scopeElement string, learningRate float64) *GroupedAdamConfig {
	c.groups = append(c.groups, lrGroup{scopeElement: scopeElement, learningRate: learningRate})
	return c
}

// Default sets the learning rate for variables not matched by any group. If
// not set, it is read from the "learning_rate" context parameter.
func (c *GroupedAdamConfig) Default(learningRate float64) *GroupedAdamConfig {
	c.defaultLR = learningRate
	return c
}

// Schedule sets the learning rate schedule applied on top of the group
// rates: a linear warmup over warmupSteps, and for ScheduleLinear a linear
// decay to 0 at totalSteps.
func (c *GroupedAdamConfig) Schedule(kind ScheduleKind, warmupSteps, totalSteps int) *GroupedAdamConfig {
	c.schedule = kind
	c.warmupSteps = warmupSteps
	c.totalSteps = totalSteps
	return c
}

// MaxGradNorm enables clipping of the gradients by their global L2 norm.
// A value <= 0 disables clipping.
func (c *GroupedAdamConfig) MaxGradNorm(maxNorm float64) *GroupedAdamConfig {
	c.maxGradNorm = maxNorm
	return c
}

// Betas sets the moving average coefficients of the first and second moment
// estimates. They default to 0.9 and 0.999.
func (c *GroupedAdamConfig) Betas(beta1, beta2 float64) *GroupedAdamConfig {
	c.beta1 = beta1
	c.beta2 = beta2
	return c
}

// Epsilon sets the constant added to the second moment denominator. It
// defaults to 1e-7.
func (c *GroupedAdamConfig) Epsilon(epsilon float64) *GroupedAdamConfig {
	c.epsilon = epsilon
	return c
}

// Scope sets the context scope under which the optimizer's moment variables
// and step counter are created.
func (c *GroupedAdamConfig) Scope(name string) *GroupedAdamConfig {
	c.scopeName = name
	return c
}

// Done finishes the configuration and builds the optimizer.
func (c *GroupedAdamConfig) Done() optimizers.Interface {
	return &groupedAdam{config: c}
}

type groupedAdam struct {
	config *GroupedAdamConfig
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *groupedAdam) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.updateGraphWithGradients(ctx, grads, loss.DType())
}

func (o *groupedAdam) updateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	c := o.config
	if len(grads) == 0 {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned 0 gradients, are there any trainable variables ?")
	}
	g := grads[0].Graph()

	dtype := c.dtype
	if dtype == dtypes.InvalidDType {
		dtype = lossDType
	}

	defaultLR := c.defaultLR
	if defaultLR < 0 {
		defaultLR = context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.001)
	}

	if c.maxGradNorm > 0 {
		grads = clipByGlobalNorm(grads, dtype, c.maxGradNorm)
	}

	// Increment the global step, but keep a separate step count for this
	// optimizer -- it can be reset separately.
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	adamStep := optimizers.IncrementGlobalStepGraph(ctx.In(c.scopeName), g, dtype)

	// The schedule factor is shared by all groups.
	factor := ScheduleFactorGraph(adamStep, c.schedule, c.warmupSteps, c.totalSteps)

	// Calculate the debias moving average coefficients (betas).
	beta1 := Const(g, shapes.CastAsDType(c.beta1, dtype))
	debiasTermBeta1 := Reciprocal(OneMinus(Pow(beta1, adamStep)))
	beta2 := Const(g, shapes.CastAsDType(c.beta2, dtype))
	debiasTermBeta2 := Reciprocal(OneMinus(Pow(beta2, adamStep)))
	epsilon := Const(g, shapes.CastAsDType(c.epsilon, dtype))

	// Apply gradient one variable at a time.
	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			if varIdx < numTrainable {
				learningRate := MulScalar(factor, o.learningRateFor(v, defaultLR))
				o.applyAdamGraph(ctx, g, v, dtype, grads[varIdx], learningRate,
					beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon)
			}
			varIdx++
		}
	}
	if varIdx != numTrainable {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"the optimizer only sees %d variables -- were new variables created in between ?",
			numTrainable, varIdx)
	}
}

// learningRateFor returns the learning rate of the first group whose scope
// element appears in the variable's scope path.
func (o *groupedAdam) learningRateFor(v *context.Variable, defaultLR float64) float64 {
	for _, group := range o.config.groups {
		if scopeHasElement(v.Scope(), group.scopeElement) {
			return group.learningRate
		}
	}
	return defaultLR
}

func scopeHasElement(scope, element string) bool {
	for _, part := range strings.Split(scope, context.ScopeSeparator) {
		if part == element {
			return true
		}
	}
	return false
}

// clipByGlobalNorm rescales all gradients by min(1, maxNorm/globalNorm),
// with globalNorm the L2 norm over all gradients concatenated.
func clipByGlobalNorm(grads []*Node, dtype dtypes.DType, maxNorm float64) []*Node {
	g := grads[0].Graph()
	sumSquares := ScalarZero(g, dtype)
	for _, grad := range grads {
		if grad.DType() != dtype {
			grad = ConvertDType(grad, dtype)
		}
		sumSquares = Add(sumSquares, ReduceAllSum(Square(grad)))
	}
	norm := Sqrt(sumSquares)
	clipFactor := Min(OnesLike(norm), Div(ConstAs(norm, maxNorm), AddScalar(norm, 1e-6)))
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, ConvertDType(clipFactor, grad.DType()))
	}
	return clipped
}

// applyAdamGraph calculates one variable's update and its 1st and 2nd order
// moment updates.
func (o *groupedAdam) applyAdamGraph(ctx *context.Context, g *Graph, v *context.Variable, dtype dtypes.DType,
	grad, learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon *Node) {
	m1Var, m2Var := o.getMomentVariables(ctx, v, dtype)
	moment1 := m1Var.ValueGraph(g)
	moment2 := m2Var.ValueGraph(g)

	// The optimizer runs on a fixed dtype -- defaults to the dtype of the
	// loss. Convert the grad to it for the moment arithmetic.
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)

	moment1 = Add(
		Mul(beta1, moment1),
		Mul(OneMinus(beta1), grad))
	m1Var.SetValueGraph(moment1)
	debiasedMoment1 := Mul(moment1, debiasTermBeta1)

	moment2 = Add(
		Mul(beta2, moment2),
		Mul(OneMinus(beta2), Square(grad)))
	m2Var.SetValueGraph(moment2)
	debiasedMoment2 := Mul(moment2, debiasTermBeta2)
	denominator := Add(Sqrt(debiasedMoment2), epsilon)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	stepDirection := Mul(learningRate, debiasedMoment1)
	stepDirection = Div(stepDirection, denominator)

	// Clip step value, if requested.
	clipByValue := context.GetParamOr(ctx, optimizers.ParamClipStepByValue, 0.0)
	if clipByValue > 0 {
		stepDirection = ClipScalar(stepDirection, -clipByValue, clipByValue)
	}

	// Update variable.
	updated := Sub(value, stepDirection)
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// getMomentVariables returns the moment variables corresponding to the given
// trainable variable, creating them on first use. They live under the
// optimizer's scope, mirroring the variable's own scope path.
func (o *groupedAdam) getMomentVariables(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) (m1, m2 *context.Variable) {
	originalScope := trainable.Scope()
	originalName := trainable.Name()
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, originalScope)
	m1Name := fmt.Sprintf("%s_1st_moment", originalName)
	m2Name := fmt.Sprintf("%s_2nd_moment", originalName)
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	ctx = ctx.Checked(false)
	m1 = ctx.InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(m1Name, shape).
		SetTrainable(false)
	m2 = ctx.InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(m2Name, shape).
		SetTrainable(false)
	return
}

// Clear all optimizer variables.
// It implements optimizers.Interface.
func (o *groupedAdam) Clear(ctx *context.Context) error {
	return ctx.In(o.config.scopeName).DeleteVariablesInScope()
}
