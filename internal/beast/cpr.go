package beast

import (
	"errors"
	"math"
	"time"
)

const (
	cprMax = 131072.0 // 2^17
	nz     = 15.0

	// CPRPairWindow is the longest gap between an even and an odd frame
	// that still decodes to a global position
	CPRPairWindow = 10 * time.Second
)

var (
	ErrCPRZoneMismatch = errors.New("even and odd frames straddle a latitude zone boundary")
	ErrCPRStale        = errors.New("even and odd frames too far apart")
)

// Position is a decoded airborne position
type Position struct {
	Latitude  float64
	Longitude float64
}

func mod(a, b float64) float64 {
	r := math.Mod(a, b)
	if r < 0 {
		r += b
	}
	return r
}

// cprNL returns the number of longitude zones at a latitude
func cprNL(lat float64) int {
	lat = math.Abs(lat)
	switch {
	case lat == 0:
		return 59
	case lat == 87:
		return 2
	case lat > 87:
		return 1
	}
	a := 1 - math.Cos(math.Pi/(2*nz))
	b := math.Pow(math.Cos(math.Pi/180*lat), 2)
	return int(math.Floor(2 * math.Pi / math.Acos(1-a/b)))
}

// DecodeGlobal resolves a position from one even and one odd frame. The
// most recent of the two sets the reported position.
func DecodeGlobal(even, odd CPRFrame) (Position, error) {
	gap := even.Timestamp.Sub(odd.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	if gap > CPRPairWindow {
		return Position{}, ErrCPRStale
	}

	const dLat0 = 360.0 / 60
	const dLat1 = 360.0 / 59

	latE := float64(even.LatCPR) / cprMax
	latO := float64(odd.LatCPR) / cprMax
	lonE := float64(even.LonCPR) / cprMax
	lonO := float64(odd.LonCPR) / cprMax

	j := math.Floor(59*latE - 60*latO + 0.5)
	rlatE := dLat0 * (mod(j, 60) + latE)
	rlatO := dLat1 * (mod(j, 59) + latO)
	if rlatE >= 270 {
		rlatE -= 360
	}
	if rlatO >= 270 {
		rlatO -= 360
	}
	if rlatE < -90 || rlatE > 90 || rlatO < -90 || rlatO > 90 {
		return Position{}, ErrCPRZoneMismatch
	}

	nlE := cprNL(rlatE)
	if nlE != cprNL(rlatO) {
		return Position{}, ErrCPRZoneMismatch
	}

	var lat, lon float64
	m := math.Floor(lonE*float64(nlE-1) - lonO*float64(nlE) + 0.5)
	if !odd.Timestamp.After(even.Timestamp) {
		ni := math.Max(float64(nlE), 1)
		lat = rlatE
		lon = (360 / ni) * (mod(m, ni) + lonE)
	} else {
		ni := math.Max(float64(nlE-1), 1)
		lat = rlatO
		lon = (360 / ni) * (mod(m, ni) + lonO)
	}
	if lon >= 180 {
		lon -= 360
	}
	return Position{Latitude: lat, Longitude: lon}, nil
}
