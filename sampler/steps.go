package sampler

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// derivative is the shared noise estimate dx/dsigma at the current level:
// (x - denoised) / sigma.
func derivative(x, denoised *Node, sigma float64) *Node {
	return MulScalar(Sub(x, denoised), 1/sigma)
}

// eulerStep advances x from sigma to sigmaNext along its derivative.
func eulerStep(x, denoised *Node, sigma, sigmaNext float64) *Node {
	return Add(x, MulScalar(derivative(x, denoised, sigma), sigmaNext-sigma))
}

// weightedSum combines nodes[ii]*weights[ii].
func weightedSum(nodes []*Node, weights []float64) *Node {
	sum := MulScalar(nodes[0], weights[0])
	for ii := 1; ii < len(nodes); ii++ {
		sum = Add(sum, MulScalar(nodes[ii], weights[ii]))
	}
	return sum
}

// ddim is the deterministic DDIM sampler over discrete training timesteps.
// With the model predicting clean latents its update is the Euler step in
// sigma space.
type ddim struct {
	cfg Config
}

func (s *ddim) Name() Name { return DDIM }

func (s *ddim) Sigmas(numSteps int) []float64 { return s.cfg.leadingSigmas(numSteps) }

func (s *ddim) Sample(denoise DenoiseFn, noise NoiseFn, latents *Node, numSteps int) *Node {
	sigmas := s.Sigmas(numSteps)
	x := latents
	for ii := range numSteps {
		x = eulerStep(x, denoise(x, sigmas[ii]), sigmas[ii], sigmas[ii+1])
	}
	return x
}

// euler is the k-diffusion Euler sampler, optionally with ancestral noise
// injection after each step.
type euler struct {
	cfg       Config
	ancestral bool
}

func (s *euler) Name() Name {
	if s.ancestral {
		return KEulerAncestral
	}
	return KEuler
}

func (s *euler) Sigmas(numSteps int) []float64 { return s.cfg.interpolatedSigmas(numSteps) }

func (s *euler) Sample(denoise DenoiseFn, noise NoiseFn, latents *Node, numSteps int) *Node {
	sigmas := s.Sigmas(numSteps)
	x := latents
	for ii := range numSteps {
		sigma, sigmaNext := sigmas[ii], sigmas[ii+1]
		denoised := denoise(x, sigma)
		if !s.ancestral || sigmaNext == 0 {
			x = eulerStep(x, denoised, sigma, sigmaNext)
			continue
		}
		sigmaUp := min(sigmaNext,
			math.Sqrt(sigmaNext*sigmaNext*(sigma*sigma-sigmaNext*sigmaNext)/(sigma*sigma)))
		sigmaDown := math.Sqrt(sigmaNext*sigmaNext - sigmaUp*sigmaUp)
		x = eulerStep(x, denoised, sigma, sigmaDown)
		x = Add(x, MulScalar(noise(x.Shape()), sigmaUp))
	}
	return x
}

// heun is the 2nd order Heun sampler: an Euler predictor followed by a
// trapezoidal correction with a second model evaluation.
type heun struct {
	cfg Config
}

func (s *heun) Name() Name { return HeunDiscrete }

func (s *heun) Sigmas(numSteps int) []float64 { return s.cfg.interpolatedSigmas(numSteps) }

func (s *heun) Sample(denoise DenoiseFn, noise NoiseFn, latents *Node, numSteps int) *Node {
	sigmas := s.Sigmas(numSteps)
	x := latents
	for ii := range numSteps {
		sigma, sigmaNext := sigmas[ii], sigmas[ii+1]
		denoised := denoise(x, sigma)
		d := derivative(x, denoised, sigma)
		predicted := Add(x, MulScalar(d, sigmaNext-sigma))
		if sigmaNext == 0 {
			x = predicted
			continue
		}
		d2 := derivative(predicted, denoise(predicted, sigmaNext), sigmaNext)
		x = Add(x, MulScalar(MulScalar(Add(d, d2), 0.5), sigmaNext-sigma))
	}
	return x
}

// dpmSolver is DPM-Solver++ 2M: a second order multistep solver in
// log-sigma space reusing the previous model output.
type dpmSolver struct {
	cfg    Config
	karras bool
}

func (s *dpmSolver) Name() Name {
	if s.karras {
		return KarrasDPM
	}
	return DPMSolverMultistep
}

func (s *dpmSolver) Sigmas(numSteps int) []float64 {
	if s.karras {
		return s.cfg.karrasSigmas(numSteps)
	}
	return s.cfg.interpolatedSigmas(numSteps)
}

func (s *dpmSolver) Sample(denoise DenoiseFn, noise NoiseFn, latents *Node, numSteps int) *Node {
	sigmas := s.Sigmas(numSteps)
	x := latents
	var prevDenoised *Node
	var prevH float64
	for ii := range numSteps {
		sigma, sigmaNext := sigmas[ii], sigmas[ii+1]
		denoised := denoise(x, sigma)
		if sigmaNext == 0 {
			x = denoised
			continue
		}
		h := math.Log(sigma) - math.Log(sigmaNext)
		target := denoised
		if prevDenoised != nil {
			r := prevH / h
			c := 1 / (2 * r)
			target = Sub(MulScalar(denoised, 1+c), MulScalar(prevDenoised, c))
		}
		x = Add(MulScalar(x, sigmaNext/sigma), MulScalar(target, -math.Expm1(-h)))
		prevDenoised, prevH = denoised, h
	}
	return x
}

// pndm is the PLMS sampler: Adams-Bashforth linear multisteps over the
// noise estimates, ramping through orders 1, 2 and 3 to 4.
type pndm struct {
	cfg Config
}

func (s *pndm) Name() Name { return PNDM }

func (s *pndm) Sigmas(numSteps int) []float64 { return s.cfg.leadingSigmas(numSteps) }

func (s *pndm) Sample(denoise DenoiseFn, noise NoiseFn, latents *Node, numSteps int) *Node {
	sigmas := s.Sigmas(numSteps)
	x := latents
	var history []*Node // Previous derivatives, most recent first.
	for ii := range numSteps {
		sigma, sigmaNext := sigmas[ii], sigmas[ii+1]
		d := derivative(x, denoise(x, sigma), sigma)
		var combined *Node
		switch len(history) {
		case 0:
			combined = d
		case 1:
			combined = weightedSum([]*Node{d, history[0]}, []float64{3. / 2, -1. / 2})
		case 2:
			combined = weightedSum([]*Node{d, history[0], history[1]},
				[]float64{23. / 12, -16. / 12, 5. / 12})
		default:
			combined = weightedSum([]*Node{d, history[0], history[1], history[2]},
				[]float64{55. / 24, -59. / 24, 37. / 24, -9. / 24})
		}
		x = Add(x, MulScalar(combined, sigmaNext-sigma))
		history = append([]*Node{d}, history...)
		if len(history) > 3 {
			history = history[:3]
		}
	}
	return x
}
