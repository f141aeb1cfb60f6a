// Package sampler implements the reverse-diffusion samplers used to
// generate preview images during fine-tuning.
//
// Samplers are registered by name. Each one discretizes the training noise
// schedule into a sigma table and unrolls its denoising updates into the
// computation graph, so a whole sampling chain compiles to one executable.
package sampler

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Name identifies a registered sampler.
type Name string

const (
	DDIM               Name = "DDIM"
	DPMSolverMultistep Name = "DPMSolverMultistep"
	HeunDiscrete       Name = "HeunDiscrete"
	KarrasDPM          Name = "KarrasDPM"
	KEuler             Name = "K_EULER"
	KEulerAncestral    Name = "K_EULER_ANCESTRAL"
	PNDM               Name = "PNDM"
)

// DenoiseFn evaluates the diffusion model at one noise level: given latents
// corrupted to sigma, it returns the model's estimate of the clean latents.
type DenoiseFn func(latents *Node, sigma float64) *Node

// NoiseFn returns a fresh standard gaussian noise node of the given shape.
// Only the ancestral samplers use it.
type NoiseFn func(shape shapes.Shape) *Node

// Sampler is one reverse-diffusion algorithm.
type Sampler interface {
	// Name returns the name the sampler is registered under.
	Name() Name

	// Sigmas returns numSteps+1 noise levels, strictly decreasing and ending
	// at 0. Initial gaussian latents must be scaled by Sigmas(n)[0].
	Sigmas(numSteps int) []float64

	// Sample unrolls the denoising chain over latents, which must already be
	// at the first sigma's noise level, and returns the clean sample.
	Sample(denoise DenoiseFn, noise NoiseFn, latents *Node, numSteps int) *Node
}

// Registry maps each sampler name to its constructor. KarrasDPM is the
// DPM-Solver++ constructor configured with Karras sigma spacing, not a
// separate algorithm.
var Registry = map[Name]func(Config) Sampler{
	DDIM:               func(cfg Config) Sampler { return &ddim{cfg: cfg} },
	DPMSolverMultistep: func(cfg Config) Sampler { return &dpmSolver{cfg: cfg} },
	KarrasDPM:          func(cfg Config) Sampler { return &dpmSolver{cfg: cfg, karras: true} },
	HeunDiscrete:       func(cfg Config) Sampler { return &heun{cfg: cfg} },
	KEuler:             func(cfg Config) Sampler { return &euler{cfg: cfg} },
	KEulerAncestral:    func(cfg Config) Sampler { return &euler{cfg: cfg, ancestral: true} },
	PNDM:               func(cfg Config) Sampler { return &pndm{cfg: cfg} },
}

// New builds the named sampler on top of the given noise schedule.
func New(name Name, cfg Config) (Sampler, error) {
	build, found := Registry[name]
	if !found {
		return nil, errors.Errorf("unknown sampler %q, valid samplers are %v", name, Names())
	}
	return build(cfg), nil
}

// Names lists the registered sampler names, sorted.
func Names() []Name {
	names := maps.Keys(Registry)
	slices.Sort(names)
	return names
}
