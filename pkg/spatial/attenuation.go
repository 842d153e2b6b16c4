package spatial

import (
	"errors"
	"fmt"
	"math"
)

var ErrUnknownLaw = errors.New("unknown attenuation law")

// AttenuationLaw is the gain curve between the near and far distances.
type AttenuationLaw int

const (
	LawNone AttenuationLaw = iota
	LawLinear
	LawInverse
	LawInverseSquare
)

func (l AttenuationLaw) String() string {
	switch l {
	case LawNone:
		return "none"
	case LawLinear:
		return "linear"
	case LawInverse:
		return "inverse"
	case LawInverseSquare:
		return "inverse-square"
	default:
		return "unknown"
	}
}

// ParseAttenuationLaw maps a config name to a law.
func ParseAttenuationLaw(s string) (AttenuationLaw, error) {
	switch s {
	case "none", "":
		return LawNone, nil
	case "linear":
		return LawLinear, nil
	case "inverse":
		return LawInverse, nil
	case "inverse-square":
		return LawInverseSquare, nil
	default:
		return LawNone, fmt.Errorf("%w: %q", ErrUnknownLaw, s)
	}
}

// DistanceAttenuation computes gain from source distance. Inside Near the
// gain is 1; beyond Far it stays at the value reached at Far; it never
// drops below FarBias.
type DistanceAttenuation struct {
	Law     AttenuationLaw
	Near    float64
	Far     float64
	FarBias float64
}

// Attenuation returns the gain for a source at distance.
func (d DistanceAttenuation) Attenuation(distance float64) float32 {
	if d.Law == LawNone || distance <= d.Near {
		return 1
	}
	dist := distance
	if d.Far > d.Near && dist > d.Far {
		dist = d.Far
	}

	var g float64
	switch d.Law {
	case LawLinear:
		if d.Far <= d.Near {
			g = 1
		} else {
			g = 1 - (dist-d.Near)/(d.Far-d.Near)
		}
	case LawInverse:
		g = d.inverse(dist)
	case LawInverseSquare:
		g = d.inverse(dist)
		g *= g
	default:
		g = 1
	}
	return float32(math.Max(g, d.FarBias))
}

func (d DistanceAttenuation) inverse(dist float64) float64 {
	if d.Near <= 0 {
		return 1 / (1 + dist)
	}
	return d.Near / dist
}
