package beast

import "math"

// encodeFrame serializes a frame to Beast wire format, escaping 0x1A bytes
func encodeFrame(f Frame) []byte {
	body := make([]byte, 0, mlatLen+signalLen+len(f.Payload))
	for i := mlatLen - 1; i >= 0; i-- {
		body = append(body, byte(f.MLAT>>(8*uint(i))))
	}
	body = append(body, f.Signal)
	body = append(body, f.Payload...)

	out := make([]byte, 0, 2+2*len(body))
	out = append(out, Escape, f.Type)
	for _, b := range body {
		out = append(out, b)
		if b == Escape {
			out = append(out, Escape)
		}
	}
	return out
}

// encodeCPR produces the 17-bit CPR coordinates of a position, the inverse
// of DecodeGlobal
func encodeCPR(lat, lon float64, odd bool) (uint32, uint32) {
	i := 0.0
	if odd {
		i = 1
	}
	dLat := 360 / (60 - i)
	yz := math.Floor(cprMax*mod(lat, dLat)/dLat + 0.5)
	rlat := dLat * (yz/cprMax + math.Floor(lat/dLat))

	ni := math.Max(float64(cprNL(rlat))-i, 1)
	dLon := 360 / ni
	xz := math.Floor(cprMax*mod(lon, dLon)/dLon + 0.5)

	return uint32(mod(yz, cprMax)), uint32(mod(xz, cprMax))
}

// encodeAC12 builds a 25 ft resolution airborne altitude code
func encodeAC12(feet int) uint16 {
	n := uint16((feet + 1000) / 25)
	return (n>>4)<<5 | 0x10 | n&0x0F
}

// airbornePosition builds the ME field of a TC11 airborne position
func airbornePosition(feet int, lat, lon float64, odd bool) [7]byte {
	latCPR, lonCPR := encodeCPR(lat, lon, odd)
	alt := encodeAC12(feet)

	var f byte
	if odd {
		f = 1
	}
	var me [7]byte
	me[0] = 11 << 3
	me[1] = byte(alt >> 4)
	me[2] = byte(alt&0x0F)<<4 | f<<2 | byte(latCPR>>15&0x03)
	me[3] = byte(latCPR >> 7)
	me[4] = byte(latCPR<<1) | byte(lonCPR>>16&0x01)
	me[5] = byte(lonCPR >> 8)
	me[6] = byte(lonCPR)
	return me
}

// groundVelocity builds the ME field of a subtype 1 velocity message from
// signed east and north components in knots
func groundVelocity(ew, ns int) [7]byte {
	enc := func(v int) (byte, int) {
		if v < 0 {
			return 1, -v + 1
		}
		return 0, v + 1
	}
	dew, vew := enc(ew)
	dns, vns := enc(ns)

	var me [7]byte
	me[0] = 19<<3 | 1
	me[1] = dew<<2 | byte(vew>>8&0x03)
	me[2] = byte(vew)
	me[3] = dns<<7 | byte(vns>>3&0x7F)
	me[4] = byte(vns&0x07) << 5
	return me
}
