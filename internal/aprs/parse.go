// Package aprs parses the APRS-IS text lines published by the Open Glider
// Network and keeps a session to an APRS-IS server.
package aprs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/saviobatista/flight-tracker/internal/types"
)

// Kind classifies a parsed line
type Kind int

const (
	KindUnknown Kind = iota
	KindAircraftPosition
	KindReceiverPosition
	KindReceiverStatus
	KindServerComment
)

func (k Kind) String() string {
	switch k {
	case KindAircraftPosition:
		return "aircraft_position"
	case KindReceiverPosition:
		return "receiver_position"
	case KindReceiverStatus:
		return "receiver_status"
	case KindServerComment:
		return "server_comment"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyLine         = errors.New("empty line")
	ErrMalformedHeader   = errors.New("malformed header")
	ErrUnsupportedBody   = errors.New("unsupported packet type")
	ErrMalformedBody     = errors.New("malformed body")
	ErrMalformedPosition = errors.New("malformed position")
)

// ID is the decoded OGN idXXYYYYYY token
type ID struct {
	Address      uint32
	AddressType  types.AddressType
	AircraftType int
	Stealth      bool
	NoTrack      bool
}

// Packet is one parsed APRS-IS line
type Packet struct {
	Raw         string
	Source      string
	Destination string
	Via         []string
	// Receiver is the station that heard the packet, taken from the q-construct
	Receiver string

	// Timestamp is the report time resolved against the receive time, or
	// the receive time when the packet carries none
	Timestamp    time.Time
	HasTimestamp bool

	HasPosition  bool
	Latitude     float64
	Longitude    float64
	SymbolTable  byte
	SymbolCode   byte
	Course       *float64
	SpeedKnots   *float64
	AltitudeFeet *int

	Comment string
	Status  string

	ID            *ID
	ClimbFPM      *int
	TurnRateROT   *float64
	SignalDB      *float64
	ErrorsCount   *int
	FreqOffsetKHz *float64
	GPSQuality    *string
	FlightNumber  *string
	Callsign      *string
	Category      *string
	Squawk        *string
	Registration  *string
	Model         *string

	kind Kind
}

// Kind returns the classification of the packet
func (p *Packet) Kind() Kind {
	return p.kind
}

// DeviceAddress returns the aircraft address, taken from the id token or
// derived from a FLR/OGN/ICA source callsign
func (p *Packet) DeviceAddress() (uint32, types.AddressType, bool) {
	if p.ID != nil {
		return p.ID.Address, p.ID.AddressType, true
	}
	if len(p.Source) != 9 {
		return 0, types.AddressUnknown, false
	}
	var at types.AddressType
	switch p.Source[:3] {
	case "FLR":
		at = types.AddressFlarm
	case "OGN":
		at = types.AddressOGN
	case "ICA":
		at = types.AddressICAO
	default:
		return 0, types.AddressUnknown, false
	}
	addr, err := strconv.ParseUint(p.Source[3:], 16, 32)
	if err != nil {
		return 0, types.AddressUnknown, false
	}
	return uint32(addr), at, true
}

// AircraftTypeName maps the OGN aircraft type nibble to a name
func AircraftTypeName(t int) string {
	switch t {
	case 1:
		return "glider"
	case 2:
		return "tow_tug"
	case 3:
		return "helicopter"
	case 4:
		return "skydiver"
	case 5:
		return "drop_plane"
	case 6:
		return "hang_glider"
	case 7:
		return "paraglider"
	case 8:
		return "piston"
	case 9:
		return "jet"
	case 11:
		return "balloon"
	case 12:
		return "airship"
	case 13:
		return "uav"
	case 15:
		return "static_obstacle"
	default:
		return "unknown"
	}
}

// ParseLine parses one line received at receivedAt
func ParseLine(line string, receivedAt time.Time) (*Packet, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, ErrEmptyLine
	}
	receivedAt = receivedAt.UTC()
	p := &Packet{Raw: line, Timestamp: receivedAt}

	if line[0] == '#' {
		p.kind = KindServerComment
		p.Comment = strings.TrimSpace(line[1:])
		return p, nil
	}

	header, body, ok := strings.Cut(line, ":")
	if !ok || body == "" {
		return nil, ErrMalformedHeader
	}
	src, path, ok := strings.Cut(header, ">")
	if !ok || src == "" || path == "" {
		return nil, ErrMalformedHeader
	}
	p.Source = src
	parts := strings.Split(path, ",")
	p.Destination = parts[0]
	p.Via = parts[1:]

	receiverStation := p.Destination == "OGNSDR"
	for i, v := range p.Via {
		if v == "TCPIP*" || v == "qAC" {
			receiverStation = true
		}
		if strings.HasPrefix(v, "qA") && i+1 < len(p.Via) {
			p.Receiver = p.Via[i+1]
		}
	}

	switch body[0] {
	case '/', '@':
		if len(body) < 8 {
			return nil, ErrMalformedBody
		}
		ts, err := parseTimestamp(body[1:8], receivedAt)
		if err != nil {
			return nil, err
		}
		p.Timestamp, p.HasTimestamp = ts, true
		if err := p.parsePosition(body[8:]); err != nil {
			return nil, err
		}
	case '!', '=':
		if err := p.parsePosition(body[1:]); err != nil {
			return nil, err
		}
	case '>':
		status := body[1:]
		if len(status) >= 7 && (status[6] == 'z' || status[6] == 'h') {
			if ts, err := parseTimestamp(status[:7], receivedAt); err == nil {
				p.Timestamp, p.HasTimestamp = ts, true
				status = status[7:]
			}
		}
		p.Status = strings.TrimSpace(status)
		if receiverStation {
			p.kind = KindReceiverStatus
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedBody, body[0])
	}

	if receiverStation {
		p.kind = KindReceiverPosition
	} else {
		p.kind = KindAircraftPosition
	}
	return p, nil
}

// parseTimestamp resolves HHMMSSh and DDHHMMz timestamps to the instant
// closest to receivedAt
func parseTimestamp(s string, receivedAt time.Time) (time.Time, error) {
	if len(s) != 7 {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedBody, s)
	}
	a, err1 := strconv.Atoi(s[0:2])
	b, err2 := strconv.Atoi(s[2:4])
	c, err3 := strconv.Atoi(s[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedBody, s)
	}

	switch s[6] {
	case 'h':
		if a > 23 || b > 59 || c > 59 {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedBody, s)
		}
		t := time.Date(receivedAt.Year(), receivedAt.Month(), receivedAt.Day(), a, b, c, 0, time.UTC)
		if d := t.Sub(receivedAt); d > 12*time.Hour {
			t = t.Add(-24 * time.Hour)
		} else if d < -12*time.Hour {
			t = t.Add(24 * time.Hour)
		}
		return t, nil
	case 'z':
		if a < 1 || a > 31 || b > 23 || c > 59 {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedBody, s)
		}
		t := time.Date(receivedAt.Year(), receivedAt.Month(), a, b, c, 0, 0, time.UTC)
		if t.Sub(receivedAt) > 12*time.Hour {
			t = time.Date(receivedAt.Year(), receivedAt.Month()-1, a, b, c, 0, 0, time.UTC)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedBody, s)
	}
}

// parsePosition parses an uncompressed DDMM.mmN/DDDMM.mmE position
func (p *Packet) parsePosition(s string) error {
	if len(s) < 19 {
		return ErrMalformedPosition
	}
	lat, err := parseCoordinate(s[0:8], 2, 'N', 'S')
	if err != nil {
		return err
	}
	lon, err := parseCoordinate(s[9:18], 3, 'E', 'W')
	if err != nil {
		return err
	}
	p.HasPosition = true
	p.Latitude, p.Longitude = lat, lon
	p.SymbolTable, p.SymbolCode = s[8], s[18]
	p.Comment = s[19:]
	p.parseComment()
	return nil
}

func parseCoordinate(s string, degDigits int, pos, neg byte) (float64, error) {
	hemi := s[len(s)-1]
	if hemi != pos && hemi != neg {
		return 0, ErrMalformedPosition
	}
	deg, err := strconv.Atoi(s[:degDigits])
	if err != nil {
		return 0, ErrMalformedPosition
	}
	minutes, err := strconv.ParseFloat(strings.ReplaceAll(s[degDigits:len(s)-1], " ", "0"), 64)
	if err != nil || minutes >= 60 {
		return 0, ErrMalformedPosition
	}
	v := float64(deg) + minutes/60
	if degDigits == 2 && v > 90 || v > 180 {
		return 0, ErrMalformedPosition
	}
	if hemi == neg {
		v = -v
	}
	return v, nil
}

// parseComment extracts course/speed/altitude and the OGN tokens. Tokens
// we do not know are left in Comment only.
func (p *Packet) parseComment() {
	fields := strings.Fields(p.Comment)
	for i, part := range fields {
		switch {
		case i == 0 && strings.HasPrefix(part, "/A="):
			p.AltitudeFeet = parseInt(part[3:])
		case i == 0 && len(part) >= 7 && part[3] == '/':
			p.parseCourseSpeed(part)
		case len(part) == 5 && strings.HasPrefix(part, "!W") && part[4] == '!':
			p.applyPrecision(part[2], part[3])
		case len(part) == 10 && strings.HasPrefix(part, "id"):
			p.parseID(part[2:])
		case len(part) == 6 && strings.EqualFold(part[:2], "sq"):
			sq := part[2:]
			if isDigits(sq) {
				p.Squawk = &sq
			}
		case strings.HasPrefix(part, "gps") && strings.Contains(part, "x"):
			q := part[3:]
			p.GPSQuality = &q
		case strings.HasPrefix(part, "reg") && len(part) > 3:
			r := part[3:]
			p.Registration = &r
		case strings.HasPrefix(part, "model") && len(part) > 5:
			m := strings.Join(append([]string{part[5:]}, fields[i+1:]...), " ")
			p.Model = &m
			return
		case strings.Contains(part, ":") && p.Callsign == nil:
			p.parseFlightNumber(part)
		default:
			p.parseValueUnit(part)
		}
	}
}

func (p *Packet) parseCourseSpeed(part string) {
	course, err1 := strconv.ParseFloat(part[0:3], 64)
	rest := part[4:]
	speedStr, alt, hasAlt := strings.Cut(rest, "/A=")
	speed, err2 := strconv.ParseFloat(speedStr, 64)
	if err1 != nil || err2 != nil || course > 360 {
		return
	}
	// 000 means unknown course, 360 is north
	if course != 0 || speed != 0 {
		if course == 360 {
			course = 0
		}
		p.Course = &course
	}
	p.SpeedKnots = &speed
	if hasAlt {
		p.AltitudeFeet = parseInt(alt)
	}
}

func (p *Packet) applyPrecision(a, b byte) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return
	}
	dLat := float64(a-'0') / 1000 / 60
	dLon := float64(b-'0') / 1000 / 60
	if p.Latitude < 0 {
		dLat = -dLat
	}
	if p.Longitude < 0 {
		dLon = -dLon
	}
	p.Latitude += dLat
	p.Longitude += dLon
}

// parseID decodes XXYYYYYY where XX is STttttaa
func (p *Packet) parseID(s string) {
	detail, err1 := strconv.ParseUint(s[:2], 16, 8)
	addr, err2 := strconv.ParseUint(s[2:], 16, 32)
	if err1 != nil || err2 != nil {
		return
	}
	p.ID = &ID{
		Address:      uint32(addr),
		AddressType:  types.AddressTypeFromOGN(int(detail & 0x03)),
		AircraftType: int(detail&0x3C) >> 2,
		NoTrack:      detail&0x40 != 0,
		Stealth:      detail&0x80 != 0,
	}
}

// parseFlightNumber handles fnA3:TW800 and A3:TW800
func (p *Packet) parseFlightNumber(part string) {
	cat, ident, _ := strings.Cut(part, ":")
	hasFn := strings.HasPrefix(cat, "fn")
	cat = strings.TrimPrefix(cat, "fn")
	if len(cat) != 2 || cat[0] < 'A' || cat[0] > 'D' || cat[1] < '0' || cat[1] > '7' || ident == "" {
		return
	}
	p.Category = &cat
	p.Callsign = &ident
	if hasFn {
		p.FlightNumber = &ident
	}
}

func (p *Packet) parseValueUnit(part string) {
	i := 0
	if i < len(part) && (part[i] == '+' || part[i] == '-') {
		i++
	}
	for i < len(part) && (part[i] >= '0' && part[i] <= '9' || part[i] == '.') {
		i++
	}
	value, unit := part[:i], part[i:]
	if value == "" || unit == "" {
		return
	}
	switch unit {
	case "fpm":
		p.ClimbFPM = parseInt(value)
	case "rot":
		p.TurnRateROT = parseFloat(value)
	case "dB":
		p.SignalDB = parseFloat(value)
	case "e":
		p.ErrorsCount = parseInt(value)
	case "kHz":
		p.FreqOffsetKHz = parseFloat(value)
	}
}

func parseInt(s string) *int {
	v, err := strconv.Atoi(strings.TrimPrefix(s, "+"))
	if err != nil {
		return nil
	}
	return &v
}

func parseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
