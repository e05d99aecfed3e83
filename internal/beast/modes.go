package beast

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Downlink formats we decode
const (
	DFShortACAS      = 0
	DFShortAltitude  = 4
	DFShortIdentity  = 5
	DFAllCall        = 11
	DFLongAltitude   = 20
	DFLongIdentity   = 21
	DFExtendedSquit  = 17
	DFNonTransponder = 18
	DFLongACAS       = 16

	// DFModeAC marks a Mode A/C reply, which has no downlink format
	DFModeAC = -1
)

var (
	ErrUnsupported = errors.New("unsupported frame")
	ErrBadCRC      = errors.New("bad CRC")
)

const callsignCharset = "#ABCDEFGHIJKLMNOPQRSTUVWXYZ##### ###############0123456789######"

// CPRFrame is one half of a compact position report pair
type CPRFrame struct {
	LatCPR    uint32
	LonCPR    uint32
	Odd       bool
	Timestamp time.Time
}

// Message is the information carried by one Mode-S frame. Only the fields
// present in the frame are set.
type Message struct {
	DF     int
	ICAO   uint32
	Signal byte
	Raw    string

	AltitudeFeet    *int
	Callsign        *string
	Squawk          *string
	Category        *string
	OnGround        *bool
	GroundSpeed     *float64
	Track           *float64
	VerticalRateFPM *int
	CPR             *CPRFrame
}

var crcTable [256]uint32

func init() {
	const poly = 0xFFF409
	for i := 0; i < 256; i++ {
		c := uint32(i) << 16
		for j := 0; j < 8; j++ {
			if c&0x800000 != 0 {
				c = (c << 1) ^ poly
			} else {
				c <<= 1
			}
		}
		crcTable[i] = c & 0xFFFFFF
	}
}

// crc24 computes the Mode-S parity over data
func crc24(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = ((crc << 8) ^ crcTable[byte(crc>>16)^b]) & 0xFFFFFF
	}
	return crc
}

func parity(p []byte) uint32 {
	n := len(p)
	return uint32(p[n-3])<<16 | uint32(p[n-2])<<8 | uint32(p[n-1])
}

// Decode extracts a Message from a Mode-S frame. Mode A/C replies only
// carry a squawk and no address; status frames return ErrUnsupported.
func Decode(f Frame, receivedAt time.Time) (*Message, error) {
	if f.Type == TypeModeAC {
		sq := fmt.Sprintf("%04x", uint16(f.Payload[0])<<8|uint16(f.Payload[1]))
		return &Message{DF: DFModeAC, Signal: f.Signal, Raw: f.Hex(), Squawk: &sq}, nil
	}
	if f.Type != TypeModeSShort && f.Type != TypeModeSLong {
		return nil, ErrUnsupported
	}
	p := f.Payload
	df := int(p[0] >> 3)

	m := &Message{DF: df, Signal: f.Signal, Raw: f.Hex()}

	switch df {
	case DFExtendedSquit, DFNonTransponder:
		if len(p) != 14 {
			return nil, fmt.Errorf("DF%d in short frame: %w", df, ErrUnsupported)
		}
		if crc24(p) != 0 {
			return nil, ErrBadCRC
		}
		m.ICAO = uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
		if df == DFNonTransponder && p[0]&0x07 != 0 {
			// Only CF=0 carries a 24-bit ICAO address
			return nil, ErrUnsupported
		}
		decodeExtendedSquitter(m, p[4:11], receivedAt)
	case DFAllCall:
		if crc24(p[:len(p)-3])^parity(p) > 0x7F {
			// Remainder may only carry the interrogator id
			return nil, ErrBadCRC
		}
		m.ICAO = uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	case DFShortAltitude, DFLongAltitude:
		m.ICAO = crc24(p[:len(p)-3]) ^ parity(p)
		m.AltitudeFeet = decodeAC13(uint16(p[2]&0x1F)<<8 | uint16(p[3]))
		m.OnGround = flightStatusGround(p[0] & 0x07)
	case DFShortACAS, DFLongACAS:
		m.ICAO = crc24(p[:len(p)-3]) ^ parity(p)
		m.AltitudeFeet = decodeAC13(uint16(p[2]&0x1F)<<8 | uint16(p[3]))
		if p[0]&0x04 != 0 {
			// VS bit
			ground := true
			m.OnGround = &ground
		}
	case DFShortIdentity, DFLongIdentity:
		m.ICAO = crc24(p[:len(p)-3]) ^ parity(p)
		sq := decodeID13(uint16(p[2]&0x1F)<<8 | uint16(p[3]))
		m.Squawk = &sq
		m.OnGround = flightStatusGround(p[0] & 0x07)
	default:
		return nil, fmt.Errorf("DF%d: %w", df, ErrUnsupported)
	}
	return m, nil
}

func flightStatusGround(fs byte) *bool {
	switch fs {
	case 0, 2:
		v := false
		return &v
	case 1, 3:
		v := true
		return &v
	}
	return nil
}

func decodeExtendedSquitter(m *Message, me []byte, receivedAt time.Time) {
	tc := int(me[0] >> 3)
	switch {
	case tc >= 1 && tc <= 4:
		cat := fmt.Sprintf("%c%d", 'A'+byte(4-tc), me[0]&0x07)
		m.Category = &cat
		cs := decodeCallsign(me[1:7])
		if cs != "" {
			m.Callsign = &cs
		}
	case tc >= 5 && tc <= 8:
		ground := true
		// Surface positions need a reference location to resolve; we
		// only keep the ground state
		m.OnGround = &ground
	case tc >= 9 && tc <= 18:
		airborne := false
		m.OnGround = &airborne
		alt12 := uint16(me[1])<<4 | uint16(me[2]>>4)
		m.AltitudeFeet = decodeAC12(alt12)
		m.CPR = decodeCPRFrame(me, receivedAt)
	case tc == 19:
		decodeVelocity(m, me)
	case tc == 28:
		if me[0]&0x07 == 1 {
			sq := decodeID13(uint16(me[1]&0x1F)<<8 | uint16(me[2]))
			m.Squawk = &sq
		}
	}
}

func decodeCPRFrame(me []byte, receivedAt time.Time) *CPRFrame {
	return &CPRFrame{
		Odd:       (me[2]>>2)&1 == 1,
		LatCPR:    uint32(me[2]&0x03)<<15 | uint32(me[3])<<7 | uint32(me[4]>>1),
		LonCPR:    uint32(me[4]&0x01)<<16 | uint32(me[5])<<8 | uint32(me[6]),
		Timestamp: receivedAt,
	}
}

func decodeCallsign(b []byte) string {
	var bits uint64
	for _, c := range b[:6] {
		bits = bits<<8 | uint64(c)
	}
	var sb strings.Builder
	for i := 7; i >= 0; i-- {
		sb.WriteByte(callsignCharset[(bits>>(uint(i)*6))&0x3F])
	}
	return strings.TrimRight(strings.ReplaceAll(sb.String(), "#", ""), " ")
}

// decodeAC12 decodes the 12-bit altitude of an airborne position
func decodeAC12(alt uint16) *int {
	if alt&0x10 == 0 {
		// Gillham coded, rare enough to ignore
		return nil
	}
	n := int((alt&0xFE0)>>1 | alt&0x0F)
	v := n*25 - 1000
	return &v
}

// decodeAC13 decodes the 13-bit altitude of a surveillance reply
func decodeAC13(ac uint16) *int {
	if ac == 0 || ac&0x40 != 0 {
		// Missing or metric
		return nil
	}
	if ac&0x10 == 0 {
		return nil
	}
	n := int((ac&0x1F80)>>2 | (ac&0x20)>>1 | ac&0x0F)
	v := n*25 - 1000
	return &v
}

// decodeID13 turns the interleaved identity bits into a four digit squawk
func decodeID13(id uint16) string {
	var hex uint16
	pairs := [...][2]uint16{
		{0x1000, 0x0010}, // C1
		{0x0800, 0x1000}, // A1
		{0x0400, 0x0020}, // C2
		{0x0200, 0x2000}, // A2
		{0x0100, 0x0040}, // C4
		{0x0080, 0x4000}, // A4
		{0x0020, 0x0100}, // B1
		{0x0010, 0x0001}, // D1
		{0x0008, 0x0200}, // B2
		{0x0004, 0x0002}, // D2
		{0x0002, 0x0400}, // B4
		{0x0001, 0x0004}, // D4
	}
	for _, p := range pairs {
		if id&p[0] != 0 {
			hex |= p[1]
		}
	}
	return fmt.Sprintf("%04x", hex)
}

func decodeVelocity(m *Message, me []byte) {
	st := me[0] & 0x07
	if st != 1 && st != 2 {
		// Airspeed subtypes carry heading, not track
		return
	}

	vew := int(me[1]&0x03)<<8 | int(me[2])
	vns := int(me[3]&0x7F)<<3 | int(me[4]>>5)
	if vew != 0 && vns != 0 {
		mult := 1
		if st == 2 {
			mult = 4
		}
		vx := float64((vew - 1) * mult)
		vy := float64((vns - 1) * mult)
		if (me[1]>>2)&1 == 1 {
			vx = -vx
		}
		if me[3]>>7 == 1 {
			vy = -vy
		}
		speed := math.Hypot(vx, vy)
		track := math.Atan2(vx, vy) * 180 / math.Pi
		if track < 0 {
			track += 360
		}
		m.GroundSpeed = &speed
		m.Track = &track
	}

	vr := int(me[4]&0x07)<<6 | int(me[5]>>2)
	if vr != 0 {
		rate := (vr - 1) * 64
		if (me[4]>>3)&1 == 1 {
			rate = -rate
		}
		m.VerticalRateFPM = &rate
	}
}
