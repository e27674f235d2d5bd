package serialmux

import "strings"

const (
	EventTypePosition    = "position"
	EventTypeStatus      = "status"
	EventTypeProprietary = "proprietary"
	EventTypeUnknown     = "unknown"
)

// positionTypes are the sentence types that carry a lat/lng the handlers can
// use. Everything else framed as NMEA is receiver status.
var positionTypes = []string{"GGA", "RMC", "GLL"}

// ClassifyPayload inspects a payload string and returns a simple event type
// token. The classification is intentionally conservative: it keys on the
// sentence address only and leaves checksum validation to the parser.
func ClassifyPayload(payload string) string {
	payload = strings.TrimSpace(payload)
	if len(payload) < 2 || payload[0] != '$' {
		return EventTypeUnknown
	}
	if payload[1] == 'P' {
		return EventTypeProprietary
	}
	if len(payload) < 6 {
		return EventTypeUnknown
	}
	for _, t := range positionTypes {
		if payload[3:6] == t {
			return EventTypePosition
		}
	}
	return EventTypeStatus
}
