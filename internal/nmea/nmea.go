// Package nmea parses position sentences from serial GPS receivers. Only the
// two sentence types every receiver emits are decoded (GGA fix data and RMC
// recommended minimum); everything else is classified and passed over.
package nmea

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentence types returned by Classify.
const (
	TypeGGA     = "gga"
	TypeRMC     = "rmc"
	TypeOther   = "other"
	TypeInvalid = "invalid"
)

// Sentence is one framed NMEA 0183 sentence with its checksum verified.
type Sentence struct {
	Talker string   // two-letter talker, e.g. "GP", "GN"
	Type   string   // three-letter sentence type, e.g. "GGA"
	Fields []string // data fields after the address, checksum excluded
	Raw    string
}

// Fix is a decoded position. Time carries only the time of day the receiver
// reported; callers that need a full timestamp combine it with their own date.
type Fix struct {
	Lat     float64
	Lng     float64
	Time    time.Time
	Quality int  // GGA fix quality, 1 when derived from an RMC "A" status
	Valid   bool // false for GGA quality 0 and RMC status "V"
}

// Parse frames and verifies one sentence. The line must start with '$', carry
// a "*hh" checksum, and have an address of at least five characters.
func Parse(line string) (*Sentence, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '$' {
		return nil, fmt.Errorf("sentence does not start with $")
	}

	star := strings.LastIndexByte(line, '*')
	if star < 0 || star+3 > len(line) {
		return nil, fmt.Errorf("sentence has no checksum")
	}
	body := line[1:star]

	want, err := strconv.ParseUint(line[star+1:star+3], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("malformed checksum %q: %w", line[star+1:], err)
	}
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	if sum != byte(want) {
		return nil, fmt.Errorf("checksum mismatch: computed %02X, sentence says %02X", sum, want)
	}

	parts := strings.Split(body, ",")
	if len(parts[0]) < 5 {
		return nil, fmt.Errorf("address %q too short", parts[0])
	}

	return &Sentence{
		Talker: parts[0][:2],
		Type:   parts[0][2:],
		Fields: parts[1:],
		Raw:    line,
	}, nil
}

// Classify returns a coarse token for a raw line without full validation,
// for routing and diagnostics.
func Classify(line string) string {
	line = strings.TrimSpace(line)
	if len(line) < 6 || line[0] != '$' {
		return TypeInvalid
	}
	switch line[3:6] {
	case "GGA":
		return TypeGGA
	case "RMC":
		return TypeRMC
	}
	return TypeOther
}

// ParseFix parses a line and extracts a position from it. Returns nil with no
// error for valid sentences that carry no position (or a position-less type).
// Any talker is accepted: multi-constellation receivers report GN instead of
// GP for combined fixes.
func ParseFix(line string) (*Fix, error) {
	s, err := Parse(line)
	if err != nil {
		return nil, err
	}
	switch s.Type {
	case "GGA":
		return fixFromGGA(s)
	case "RMC":
		return fixFromRMC(s)
	}
	return nil, nil
}

// fixFromGGA decodes $--GGA: time, lat, N/S, lng, E/W, quality, ...
func fixFromGGA(s *Sentence) (*Fix, error) {
	if len(s.Fields) < 6 {
		return nil, fmt.Errorf("GGA sentence has %d fields, need 6", len(s.Fields))
	}
	quality := 0
	if s.Fields[5] != "" {
		q, err := strconv.Atoi(s.Fields[5])
		if err != nil {
			return nil, fmt.Errorf("bad GGA quality %q: %w", s.Fields[5], err)
		}
		quality = q
	}
	if quality == 0 {
		return &Fix{Quality: 0, Valid: false}, nil
	}

	lat, err := parseCoord(s.Fields[1], s.Fields[2])
	if err != nil {
		return nil, fmt.Errorf("bad GGA latitude: %w", err)
	}
	lng, err := parseCoord(s.Fields[3], s.Fields[4])
	if err != nil {
		return nil, fmt.Errorf("bad GGA longitude: %w", err)
	}
	ts, _ := parseClock(s.Fields[0])

	return &Fix{Lat: lat, Lng: lng, Time: ts, Quality: quality, Valid: true}, nil
}

// fixFromRMC decodes $--RMC: time, status, lat, N/S, lng, E/W, ...
func fixFromRMC(s *Sentence) (*Fix, error) {
	if len(s.Fields) < 6 {
		return nil, fmt.Errorf("RMC sentence has %d fields, need 6", len(s.Fields))
	}
	if s.Fields[1] != "A" {
		return &Fix{Valid: false}, nil
	}

	lat, err := parseCoord(s.Fields[2], s.Fields[3])
	if err != nil {
		return nil, fmt.Errorf("bad RMC latitude: %w", err)
	}
	lng, err := parseCoord(s.Fields[4], s.Fields[5])
	if err != nil {
		return nil, fmt.Errorf("bad RMC longitude: %w", err)
	}
	ts, _ := parseClock(s.Fields[0])

	return &Fix{Lat: lat, Lng: lng, Time: ts, Quality: 1, Valid: true}, nil
}

// parseCoord converts the NMEA ddmm.mmmm / dddmm.mmmm form plus hemisphere
// letter into signed decimal degrees.
func parseCoord(value, hemi string) (float64, error) {
	if value == "" || hemi == "" {
		return 0, fmt.Errorf("empty coordinate")
	}
	dot := strings.IndexByte(value, '.')
	if dot < 3 {
		return 0, fmt.Errorf("coordinate %q too short", value)
	}

	degEnd := dot - 2 // minutes are always two integer digits
	deg, err := strconv.ParseFloat(value[:degEnd], 64)
	if err != nil {
		return 0, fmt.Errorf("degrees in %q: %w", value, err)
	}
	min, err := strconv.ParseFloat(value[degEnd:], 64)
	if err != nil {
		return 0, fmt.Errorf("minutes in %q: %w", value, err)
	}

	coord := deg + min/60
	switch hemi {
	case "N", "E":
		return coord, nil
	case "S", "W":
		return -coord, nil
	}
	return 0, fmt.Errorf("unknown hemisphere %q", hemi)
}

// parseClock reads the hhmmss.sss time-of-day field onto today's UTC date.
func parseClock(value string) (time.Time, error) {
	if len(value) < 6 {
		return time.Time{}, fmt.Errorf("time %q too short", value)
	}
	hh, err1 := strconv.Atoi(value[0:2])
	mm, err2 := strconv.Atoi(value[2:4])
	ss, err3 := strconv.ParseFloat(value[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, fmt.Errorf("malformed time %q", value)
	}
	now := time.Now().UTC()
	sec := int(ss)
	nsec := int((ss - float64(sec)) * 1e9)
	return time.Date(now.Year(), now.Month(), now.Day(), hh, mm, sec, nsec, time.UTC), nil
}
