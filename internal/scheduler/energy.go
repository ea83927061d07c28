package scheduler

import (
	"math/rand/v2"
	"sort"
	"time"

	"github.com/haywire-radio/haywire/internal/store"
)

// neutralDistance is the rank distance assigned to assets without a measured
// energy level, so they sort mid-field instead of first or last.
const neutralDistance = 18

// targetEnergy maps station-local time of day to a desired energy level.
// The curve is fixed: quiet nights, a morning ramp, an afternoon peak, and a
// mellow evening slide.
func targetEnergy(t time.Time) int {
	switch h := t.Hour(); {
	case h < 6:
		return 35
	case h < 9:
		return 55
	case h < 12:
		return 65
	case h < 17:
		return 75
	case h < 21:
		return 60
	default:
		return 45
	}
}

// preferByEnergy orders candidates by closeness to the target energy for the
// given instant. It never removes a candidate; assets that would be a poor
// fit merely sort later. Ties break randomly via the pre-shuffle.
func preferByEnergy(candidates []store.Asset, t time.Time) []store.Asset {
	target := targetEnergy(t)
	out := make([]store.Asset, len(candidates))
	copy(out, candidates)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	sort.SliceStable(out, func(i, j int) bool {
		return energyDistance(out[i], target) < energyDistance(out[j], target)
	})
	return out
}

func energyDistance(a store.Asset, target int) int {
	if a.Energy == nil {
		return neutralDistance
	}
	d := *a.Energy - target
	if d < 0 {
		d = -d
	}
	return d
}
