// Package locate holds the trilateration and calibration math. Everything
// here is pure: distances are in centimeters, powers in dBm.
package locate

import (
	"errors"
	"math"
	"sort"

	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/model"
)

var (
	ErrNotEnoughBeacons     = errors.New("locate: at least 3 beacons are required")
	ErrDegenerateGeometry   = errors.New("locate: beacons are collinear or too close to solve")
	ErrUndefinedCoefficient = errors.New("locate: coefficient is undefined or not positive")
	ErrNoSamples            = errors.New("locate: no coefficient samples")
)

// epsilon under which a substitution denominator is treated as zero (cm^2).
const epsilon = 1e-6

// Calculator carries the reference power used by the log-distance model.
type Calculator struct {
	ReferencePower float64 // RSSI at 100 cm
}

// Default uses the configured reference power.
var Default = Calculator{ReferencePower: config.ReferencePowerAt1m}

// Anchor is a known point and the measured distance to it.
type Anchor struct {
	X, Y     float64
	Distance float64
}

// Distance computes the euclidean distance between two positions.
func Distance(a, b model.Position) float64 {
	dx := float64(a.X) - float64(b.X)
	dy := float64(a.Y) - float64(b.Y)
	return math.Sqrt(dx*dx + dy*dy)
}

// DistanceFromPower estimates the distance in cm from a received power.
// Formula: d = 100 * 10^((power - ref) / (-10 * coeff))
func (c Calculator) DistanceFromPower(power, coeff float64) float64 {
	return 100 * math.Pow(10, (power-c.ReferencePower)/(-10*coeff))
}

// PowerAtDistance is the inverse of DistanceFromPower.
func (c Calculator) PowerAtDistance(distance, coeff float64) float64 {
	return c.ReferencePower - 10*coeff*math.Log10(distance/100)
}

// AttenuationCoefficient solves the log-distance model for the coefficient
// given a power measured at a known distance.
func (c Calculator) AttenuationCoefficient(power float64, beacon, calib model.Position) (float64, error) {
	d := Distance(beacon, calib)
	l := math.Log10(d / 100)
	if d == 0 || l == 0 {
		return 0, ErrUndefinedCoefficient
	}
	return checkCoefficient((power - c.ReferencePower) / (-10 * l))
}

// AverageCoefficient returns the arithmetic mean of the samples.
func (c Calculator) AverageCoefficient(samples []model.BeaconCoefficients) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrNoSamples
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s.Coefficient)
	}
	return checkCoefficient(sum / float64(len(samples)))
}

// checkCoefficient rejects coefficients the distance model cannot use: a
// zero one divides by zero and a negative one inverts distance.
func checkCoefficient(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, ErrUndefinedCoefficient
	}
	return v, nil
}

// CurrentPosition trilaterates from the three strongest beacons.
func (c Calculator) CurrentPosition(beacons []model.BeaconData) (model.Position, error) {
	if len(beacons) < 3 {
		return model.Position{}, ErrNotEnoughBeacons
	}
	picked := strongest(beacons, 3)
	var anchors [3]Anchor
	for i, b := range picked {
		anchors[i] = Anchor{
			X:        float64(b.Position.X),
			Y:        float64(b.Position.Y),
			Distance: c.DistanceFromPower(float64(b.Power), float64(b.Coefficient)),
		}
	}
	for _, a := range anchors {
		if !finite(a.Distance) {
			return model.Position{}, ErrDegenerateGeometry
		}
	}
	x, y, err := Trilaterate(anchors)
	if err != nil {
		return model.Position{}, err
	}
	if !inInt32(x) || !inInt32(y) {
		return model.Position{}, ErrDegenerateGeometry
	}
	return model.Position{X: int32(x), Y: int32(y)}, nil
}

// Trilaterate intersects three circles. Subtracting the pivot's equation
// x²+y²-2·xi·x-2·yi·y = di²-xi²-yi² from the two others leaves a linear
// system solved by substitution on y.
func Trilaterate(a [3]Anchor) (x, y float64, err error) {
	p, i, j := pivotOrder(a)

	// A·x + B·y = C for each non-pivot anchor
	rhs := func(k int) float64 {
		return (a[k].Distance*a[k].Distance - a[k].X*a[k].X - a[k].Y*a[k].Y) -
			(a[p].Distance*a[p].Distance - a[p].X*a[p].X - a[p].Y*a[p].Y)
	}
	a1, b1, c1 := 2*(a[p].X-a[i].X), 2*(a[p].Y-a[i].Y), rhs(i)
	a2, b2, c2 := 2*(a[p].X-a[j].X), 2*(a[p].Y-a[j].Y), rhs(j)

	if math.Abs(b1) < epsilon {
		// the pivot shares Y with both others: all three are on one line
		return 0, 0, ErrDegenerateGeometry
	}
	den := a2*b1 - b2*a1
	if math.Abs(den) < epsilon {
		return 0, 0, ErrDegenerateGeometry
	}
	x = (c2*b1 - b2*c1) / den
	y = (c1 - a1*x) / b1
	return truncate(x), truncate(y), nil
}

// truncate drops the fractional centimeters, ignoring float noise just
// below an integer.
func truncate(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < 1e-6 {
		return r
	}
	return math.Trunc(v)
}

// pivotOrder returns (pivot, first, second). When two anchors share Y the
// third one becomes the pivot so the substitution never divides by a zero Y
// difference; otherwise anchor 0 is the pivot.
func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func inInt32(v float64) bool {
	return finite(v) && v >= math.MinInt32 && v <= math.MaxInt32
}

func pivotOrder(a [3]Anchor) (int, int, int) {
	switch {
	case a[0].Y == a[1].Y:
		return 2, 0, 1
	case a[0].Y == a[2].Y:
		return 1, 0, 2
	default:
		return 0, 1, 2
	}
}

func strongest(beacons []model.BeaconData, n int) []model.BeaconData {
	sorted := append([]model.BeaconData(nil), beacons...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Power != sorted[j].Power {
			return sorted[i].Power > sorted[j].Power
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[:n]
}
