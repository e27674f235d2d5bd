package serialmux

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/mapcluster/internal/monitoring"
	"github.com/banshee-data/mapcluster/internal/nmea"
)

// PositionSink receives decoded fixes from the serial feed. The server wires
// this to a marker update; tools wire it to a REST client.
type PositionSink interface {
	UpdatePosition(fix nmea.Fix) error
}

// CurrentState holds the latest receiver status values (fix mode, satellite
// counts, dilution of precision, command acks) and is intentionally
// package-level so admin routes or tests can inspect it.
var CurrentState map[string]interface{}

func setState(key string, value interface{}) {
	if CurrentState == nil {
		CurrentState = make(map[string]interface{})
	}
	CurrentState[key] = value
}

// HandlePosition parses a position sentence and forwards a valid fix to the
// sink. Sentences that parse but carry no fix (receiver still searching) are
// logged and dropped without error.
func HandlePosition(sink PositionSink, payload string) error {
	fix, err := nmea.ParseFix(payload)
	if err != nil {
		return fmt.Errorf("failed to parse position sentence: %w", err)
	}
	if fix == nil {
		return nil
	}
	if !fix.Valid {
		monitoring.Logf("No fix: %s", payload)
		setState("has_fix", false)
		return nil
	}
	setState("has_fix", true)
	return sink.UpdatePosition(*fix)
}

// HandleStatusReport extracts the fields worth surfacing from receiver status
// sentences into CurrentState. Unrecognized status types are validated and
// otherwise ignored.
func HandleStatusReport(payload string) error {
	s, err := nmea.Parse(payload)
	if err != nil {
		return fmt.Errorf("failed to parse status sentence: %w", err)
	}

	switch s.Type {
	case "GSV":
		// total messages, message number, satellites in view, per-satellite blocks
		if len(s.Fields) >= 3 {
			if n, err := strconv.Atoi(s.Fields[2]); err == nil {
				setState("satellites_in_view", n)
			}
		}
	case "GSA":
		// mode, fix type, 12 satellite slots, PDOP, HDOP, VDOP
		if len(s.Fields) >= 17 {
			setState("fix_mode", s.Fields[1])
			if hdop, err := strconv.ParseFloat(s.Fields[15], 64); err == nil {
				setState("hdop", hdop)
			}
		}
	}

	return nil
}

// HandleProprietaryResponse records PMTK command acknowledgements. The ack
// sentence is $PMTK001,<command>,<flag> where flag 3 means accepted.
func HandleProprietaryResponse(payload string) error {
	monitoring.Logf("Proprietary Line: %+v", payload)

	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, "$PMTK001,") {
		return nil
	}
	body := payload[len("$PMTK001,"):]
	if star := strings.IndexByte(body, '*'); star >= 0 {
		body = body[:star]
	}
	parts := strings.Split(body, ",")
	if len(parts) < 2 {
		return fmt.Errorf("malformed PMTK ack %q", payload)
	}

	flags := map[string]string{"0": "invalid", "1": "unsupported", "2": "failed", "3": "ok"}
	status, ok := flags[parts[1]]
	if !ok {
		status = "unknown"
	}
	setState("ack_"+parts[0], status)
	return nil
}

// HandleEvent routes one serial line to the matching handler.
func HandleEvent(sink PositionSink, payload string) error {
	switch ClassifyPayload(payload) {
	case EventTypePosition:
		if err := HandlePosition(sink, payload); err != nil {
			return fmt.Errorf("failed to handle position event: %w", err)
		}
	case EventTypeStatus:
		if err := HandleStatusReport(payload); err != nil {
			return fmt.Errorf("failed to handle status event: %w", err)
		}
	case EventTypeProprietary:
		if err := HandleProprietaryResponse(payload); err != nil {
			return fmt.Errorf("failed to handle proprietary response: %w", err)
		}
	default:
		monitoring.Logf("unknown event type: %s", payload)
	}
	return nil
}
