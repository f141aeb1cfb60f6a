package trainer

import (
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// ScheduleKind selects how the learning rate factor evolves over the course
// of training.
type ScheduleKind int

const (
	// ScheduleConstant ramps the learning rate linearly from 0 during warmup
	// and then holds it constant.
	ScheduleConstant ScheduleKind = iota

	// ScheduleLinear ramps during warmup and then decays linearly, reaching
	// 0 at the final training step.
	ScheduleLinear
)

// ValidSchedules are the accepted values of the "lr_scheduler"
// hyperparameter.
var ValidSchedules = []string{"constant", "linear"}

// String implements fmt.Stringer.
func (k ScheduleKind) String() string {
	switch k {
	case ScheduleConstant:
		return "constant"
	case ScheduleLinear:
		return "linear"
	}
	return "invalid"
}

// ParseSchedule converts an "lr_scheduler" hyperparameter value to its
// ScheduleKind.
func ParseSchedule(name string) (ScheduleKind, error) {
	switch strings.ToLower(name) {
	case "constant":
		return ScheduleConstant, nil
	case "linear":
		return ScheduleLinear, nil
	}
	return 0, errors.Errorf("unknown lr_scheduler %q, valid values are %v", name, ValidSchedules)
}

// ScheduleFactorGraph returns the learning rate factor in [0, 1] at the
// given training step. step must be a scalar node of a float dtype, and the
// returned factor has the same dtype.
func ScheduleFactorGraph(step *Node, kind ScheduleKind, warmupSteps, totalSteps int) *Node {
	factor := OnesLike(step)
	if kind == ScheduleLinear && totalSteps > warmupSteps {
		remaining := DivScalar(
			Sub(ConstAs(step, totalSteps), step),
			float64(totalSteps-warmupSteps))
		factor = Min(factor, remaining)
	}
	if warmupSteps > 0 {
		factor = Min(factor, DivScalar(step, float64(warmupSteps)))
	}
	return ClipScalar(factor, 0, 1)
}
