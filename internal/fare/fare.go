// Package fare turns a route estimate into a base fare. Amounts are integer
// minor currency units.
package fare

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/ride-coordinator/internal/models"
)

var ErrUnknownClass = errors.New("unknown vehicle class")

type Rate struct {
	Base      int64
	PerKm     int64
	PerMinute int64
	Minimum   int64
}

var DefaultRates = map[models.VehicleClass]Rate{
	models.VehicleEconomy: {Base: 85, PerKm: 25, PerMinute: 3, Minimum: 100},
	models.VehicleComfort: {Base: 120, PerKm: 32, PerMinute: 4, Minimum: 150},
	models.VehicleXL:      {Base: 150, PerKm: 40, PerMinute: 5, Minimum: 200},
}

// Calculate is base + distance + time, floored at the rate minimum.
func Calculate(r Rate, distanceMeters, durationSeconds float64) int64 {
	if distanceMeters < 0 {
		distanceMeters = 0
	}
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	total := r.Base +
		int64(math.Round(distanceMeters/1000*float64(r.PerKm))) +
		int64(math.Round(durationSeconds/60*float64(r.PerMinute)))
	if total < r.Minimum {
		total = r.Minimum
	}
	return total
}

type Estimator struct {
	rates map[models.VehicleClass]Rate
}

// NewEstimator uses DefaultRates when rates is nil.
func NewEstimator(rates map[models.VehicleClass]Rate) *Estimator {
	if rates == nil {
		rates = DefaultRates
	}
	return &Estimator{rates: rates}
}

func (e *Estimator) Estimate(distanceMeters, durationSeconds float64, class models.VehicleClass) (int64, error) {
	r, ok := e.rates[class]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	return Calculate(r, distanceMeters, durationSeconds), nil
}

// Known reports whether a rate exists for class.
func (e *Estimator) Known(class models.VehicleClass) bool {
	_, ok := e.rates[class]
	return ok
}

// Split divides total proportionally to weights using largest remainders, so
// the parts always sum to total. Zero or negative weights split evenly.
func Split(total int64, weights []float64) []int64 {
	out := make([]int64, len(weights))
	if len(weights) == 0 {
		return out
	}
	sum := 0.0
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	if sum == 0 {
		weights = make([]float64, len(out))
		for i := range weights {
			weights[i] = 1
		}
		sum = float64(len(weights))
	}
	type rem struct {
		i int
		r float64
	}
	rems := make([]rem, len(weights))
	var assigned int64
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		exact := float64(total) * w / sum
		out[i] = int64(math.Floor(exact))
		assigned += out[i]
		rems[i] = rem{i, exact - float64(out[i])}
	}
	// stable: larger remainder first, earlier index wins ties
	for left := total - assigned; left > 0; left-- {
		best := -1
		for j := range rems {
			if rems[j].r < 0 {
				continue
			}
			if best < 0 || rems[j].r > rems[best].r {
				best = j
			}
		}
		out[rems[best].i]++
		rems[best].r = -1
	}
	return out
}
