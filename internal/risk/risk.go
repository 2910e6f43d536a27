package risk

import "math"

// Level buckets a numeric score for policy and session decisions.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Factor tags name the signals that contributed to a score. Their order in
// an Assessment is the fixed evaluation order below, never input order, so
// identical inputs always produce identical output.
const (
	FactorUntrustedDevice    = "untrusted_device"
	FactorNewDevice          = "new_device"
	FactorFingerprintChanged = "fingerprint_changed"
	FactorImpossibleTravel   = "impossible_travel"
	FactorIPReputation       = "ip_reputation"
	FactorNewNetwork         = "new_network"
	FactorFailedAuth         = "recent_failed_auth"
	FactorUnusualHour        = "unusual_hour"
	FactorUnusualGeo         = "unusual_geo"
	FactorSuspiciousBurst    = "suspicious_burst"
)

// Signal weights. Tuned so that a single strong signal (impossible travel)
// reaches CRITICAL on its own and device novelty alone stays below MEDIUM.
const (
	weightUntrustedDevice    = 25
	weightNewDevice          = 15
	weightFingerprintChanged = 30
	weightImpossibleTravel   = 90
	weightIPReputation       = 35
	weightNewNetwork         = 10
	weightFailedAuthEach     = 8
	weightFailedAuthCap      = 40
	weightUnusualHour        = 10
	weightUnusualGeo         = 20
	weightSuspiciousBurst    = 30
)

// ImpossibleTravelSpeedKmh is the threshold above which movement between
// two observed coordinates is treated as physically impossible.
const ImpossibleTravelSpeedKmh = 500.0

// Input carries every signal the scorer consumes. Assess reads nothing
// else, which keeps scoring replayable from audited inputs.
type Input struct {
	DeviceTrusted      bool
	DeviceKnown        bool
	FingerprintChanged bool
	ImpossibleTravel   bool
	IPFlagged          bool
	NewNetwork         bool
	RecentFailedAuth   int
	UnusualHour        bool
	UnusualGeo         bool
	SuspiciousBurst    bool
}

// Assessment is the scoring result: a clamped score, its level bucket and
// the ordered factor tags that contributed.
type Assessment struct {
	Score   int
	Level   Level
	Factors []string
}

// Assess computes the risk score for one observation. Pure and
// deterministic: same Input, same Assessment.
func Assess(in Input) Assessment {
	score := 0
	var factors []string

	add := func(points int, tag string) {
		score += points
		factors = append(factors, tag)
	}

	if !in.DeviceTrusted {
		add(weightUntrustedDevice, FactorUntrustedDevice)
	}
	if !in.DeviceKnown {
		add(weightNewDevice, FactorNewDevice)
	}
	if in.FingerprintChanged {
		add(weightFingerprintChanged, FactorFingerprintChanged)
	}
	if in.ImpossibleTravel {
		add(weightImpossibleTravel, FactorImpossibleTravel)
	}
	if in.IPFlagged {
		add(weightIPReputation, FactorIPReputation)
	}
	if in.NewNetwork {
		add(weightNewNetwork, FactorNewNetwork)
	}
	if in.RecentFailedAuth > 0 {
		points := in.RecentFailedAuth * weightFailedAuthEach
		if points > weightFailedAuthCap {
			points = weightFailedAuthCap
		}
		add(points, FactorFailedAuth)
	}
	if in.UnusualHour {
		add(weightUnusualHour, FactorUnusualHour)
	}
	if in.UnusualGeo {
		add(weightUnusualGeo, FactorUnusualGeo)
	}
	if in.SuspiciousBurst {
		add(weightSuspiciousBurst, FactorSuspiciousBurst)
	}

	if score > 100 {
		score = 100
	}
	return Assessment{Score: score, Level: LevelFor(score), Factors: factors}
}

// LevelFor maps a score in [0,100] to its level bucket.
func LevelFor(score int) Level {
	switch {
	case score >= 90:
		return LevelCritical
	case score >= 70:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Escalated reports whether the level requires immediate session
// invalidation.
func (l Level) Escalated() bool {
	return l == LevelHigh || l == LevelCritical
}

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometres between two
// coordinate pairs.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// TravelSpeed returns the implied speed in km/h for covering the distance
// between two coordinates in the given number of hours. Returns +Inf for a
// non-positive elapsed time over a non-zero distance.
func TravelSpeed(lat1, lon1, lat2, lon2 float64, elapsedHours float64) float64 {
	dist := Haversine(lat1, lon1, lat2, lon2)
	if elapsedHours <= 0 {
		if dist == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return dist / elapsedHours
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
