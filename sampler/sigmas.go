package sampler

import (
	"math"
	"sort"

	"github.com/gomlx/exceptions"
)

// Config fixes the training-time noise schedule every sampler discretizes:
// a scaled-linear beta schedule, the one SDXL is trained with. Sigma here is
// the noise-to-signal ratio sqrt((1-alphaBar)/alphaBar) of each timestep.
type Config struct {
	// NumTrainTimesteps is the length of the training schedule.
	NumTrainTimesteps int
	// BetaStart and BetaEnd bound the scaled-linear beta schedule.
	BetaStart float64
	BetaEnd   float64
}

// DefaultConfig returns the SDXL training schedule.
func DefaultConfig() Config {
	return Config{NumTrainTimesteps: 1000, BetaStart: 0.00085, BetaEnd: 0.012}
}

// TrainSigmas returns one sigma per training timestep, increasing. The
// trainer uses it to corrupt latents, the samplers discretize it.
func (cfg Config) TrainSigmas() []float64 {
	sqrtStart, sqrtEnd := math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd)
	sigmas := make([]float64, cfg.NumTrainTimesteps)
	alphaBar := 1.0
	for t := range sigmas {
		frac := float64(t) / float64(cfg.NumTrainTimesteps-1)
		sqrtBeta := sqrtStart + frac*(sqrtEnd-sqrtStart)
		alphaBar *= 1 - sqrtBeta*sqrtBeta
		sigmas[t] = math.Sqrt((1 - alphaBar) / alphaBar)
	}
	return sigmas
}

// TimestepFor maps a sigma back to its fractional position in the training
// schedule by inverse interpolation, for the model's time conditioning.
func (cfg Config) TimestepFor(sigma float64) float64 {
	train := cfg.TrainSigmas()
	if sigma <= train[0] {
		return 0
	}
	if sigma >= train[len(train)-1] {
		return float64(len(train) - 1)
	}
	idx := sort.SearchFloat64s(train, sigma)
	lo, hi := train[idx-1], train[idx]
	return float64(idx-1) + (sigma-lo)/(hi-lo)
}

func (cfg Config) validateNumSteps(numSteps int) {
	if numSteps < 1 {
		exceptions.Panicf("number of sampling steps must be positive, got %d", numSteps)
	}
	if numSteps > cfg.NumTrainTimesteps {
		exceptions.Panicf("number of sampling steps %d larger than the training schedule (%d timesteps)",
			numSteps, cfg.NumTrainTimesteps)
	}
}

// leadingSigmas picks numSteps sigmas at evenly strided discrete training
// timesteps, from the top of the schedule down, then appends the final 0.
func (cfg Config) leadingSigmas(numSteps int) []float64 {
	cfg.validateNumSteps(numSteps)
	train := cfg.TrainSigmas()
	stride := cfg.NumTrainTimesteps / numSteps
	sigmas := make([]float64, 0, numSteps+1)
	for ii := numSteps - 1; ii >= 0; ii-- {
		sigmas = append(sigmas, train[ii*stride])
	}
	return append(sigmas, 0)
}

// interpolatedSigmas evaluates the training sigmas at numSteps evenly spaced
// fractional timesteps, from the top of the schedule down, then appends the
// final 0.
func (cfg Config) interpolatedSigmas(numSteps int) []float64 {
	cfg.validateNumSteps(numSteps)
	train := cfg.TrainSigmas()
	maxT := float64(cfg.NumTrainTimesteps - 1)
	sigmas := make([]float64, 0, numSteps+1)
	for ii := range numSteps {
		t := maxT
		if numSteps > 1 {
			t = maxT * (1 - float64(ii)/float64(numSteps-1))
		}
		lo := int(math.Floor(t))
		sigma := train[lo]
		if frac := t - float64(lo); frac > 0 {
			sigma = train[lo]*(1-frac) + train[lo+1]*frac
		}
		sigmas = append(sigmas, sigma)
	}
	return append(sigmas, 0)
}

// karrasSigmas spreads numSteps sigmas between the schedule extremes with
// the rho=7 spacing from Karras et al. (2022), then appends the final 0.
func (cfg Config) karrasSigmas(numSteps int) []float64 {
	cfg.validateNumSteps(numSteps)
	const rho = 7.0
	train := cfg.TrainSigmas()
	minRho := math.Pow(train[0], 1/rho)
	maxRho := math.Pow(train[len(train)-1], 1/rho)
	sigmas := make([]float64, 0, numSteps+1)
	for ii := range numSteps {
		frac := 0.0
		if numSteps > 1 {
			frac = float64(ii) / float64(numSteps-1)
		}
		sigmas = append(sigmas, math.Pow(maxRho+frac*(minRho-maxRho), rho))
	}
	return append(sigmas, 0)
}
