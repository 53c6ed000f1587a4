package consensus

import (
	"math/big"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DifficultyPrecision is the fixed-point precision constant the linear
// retargeting algorithm is specified against: effective per-epoch
// difficulties are computed with a 10^9 scale factor before being handed to
// the regression, so the division never loses the sub-integer precision a
// plain uint64 divide would.
const DifficultyPrecision = 1_000_000_000

// DefaultRetargetingEpochsQty is the number of epoch-boundary samples the
// retargeting regression uses when a PoW engine does not override it.
const DefaultRetargetingEpochsQty = 8

// DifficultySample is one (height, timestamp, difficulty) observation used
// to feed the retargeting regression.
type DifficultySample struct {
	Height     uint64
	Timestamp  uint64 // ms since epoch
	Difficulty uint64
}

// heightsForRetargetingAt returns up to qty heights spaced epochLength apart
// and ending at parentHeight, ascending by height. Heights that would
// underflow past genesis are omitted, which is how a short chain naturally
// yields fewer than qty samples.
func heightsForRetargetingAt(parentHeight, epochLength uint64, qty int) []uint64 {
	if epochLength == 0 || qty <= 0 {
		return nil
	}
	heights := make([]uint64, 0, qty)
	for i := 0; i < qty; i++ {
		offset := uint64(i) * epochLength
		if offset > parentHeight {
			break
		}
		heights = append(heights, parentHeight-offset)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// requiredDifficultyAfter implements spec §4.4's linear retargeting
// algorithm: sample retargetingEpochsQty heights spaced epochLength apart
// ending at parentHeight, derive a per-epoch effective difficulty between
// consecutive samples, fit y = a + b*x by least squares over those points,
// and extrapolate to one epoch past the last sample. getSample resolves a
// height to its (timestamp, difficulty), returning ok=false if the height is
// not yet known.
func requiredDifficultyAfter(
	parentHeight, epochLength uint64,
	retargetingEpochsQty int,
	desiredBlockIntervalMs uint64,
	initialDifficulty uint64,
	getSample func(height uint64) (timestamp uint64, difficulty uint64, ok bool),
) uint64 {
	if parentHeight <= 2 {
		return initialDifficulty
	}

	heights := heightsForRetargetingAt(parentHeight, epochLength, retargetingEpochsQty)
	samples := make([]DifficultySample, 0, len(heights))
	for _, h := range heights {
		ts, diff, ok := getSample(h)
		if !ok {
			continue
		}
		samples = append(samples, DifficultySample{Height: h, Timestamp: ts, Difficulty: diff})
	}

	if len(samples) < retargetingEpochsQty {
		if len(samples) == 0 {
			return initialDifficulty
		}
		// Highest-height sample's difficulty, unchanged.
		return samples[len(samples)-1].Difficulty
	}

	xs := make([]float64, 0, len(samples)-1)
	ys := make([]float64, 0, len(samples)-1)
	maxHeight := samples[len(samples)-1].Height
	for i := 1; i < len(samples); i++ {
		start, end := samples[i-1], samples[i]
		deltaT := int64(end.Timestamp) - int64(start.Timestamp)
		if deltaT <= 0 {
			deltaT = 1
		}
		// Fixed-point scaled effective difficulty: D'_i = D_end *
		// desiredInterval * epochLength / (t_end - t_start), computed at
		// 10^9 precision (via big.Int to avoid overflow on large
		// difficulties) before dropping to float64 for the regression fit.
		scaled := new(big.Int).SetUint64(end.Difficulty)
		scaled.Mul(scaled, new(big.Int).SetUint64(desiredBlockIntervalMs))
		scaled.Mul(scaled, new(big.Int).SetUint64(epochLength))
		scaled.Mul(scaled, big.NewInt(DifficultyPrecision))
		scaled.Div(scaled, big.NewInt(deltaT))
		effectiveFixed := new(big.Float).SetInt(scaled)
		effectiveFixed.Quo(effectiveFixed, big.NewFloat(DifficultyPrecision))
		effective, _ := effectiveFixed.Float64()

		xs = append(xs, float64(end.Height))
		ys = append(ys, effective)
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	predictedX := float64(maxHeight + epochLength)
	predicted := alpha + beta*predictedX

	if predicted < 1 {
		return initialDifficulty
	}
	return uint64(predicted + 0.5)
}
