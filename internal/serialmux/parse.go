package serialmux

import "strings"

const (
	EventTypeAdvertisement = "advertisement"
	EventTypeStatus        = "status"
	EventTypeError         = "error"
	EventTypeUnknown       = "unknown"
)

// ClassifyLine inspects a line from the scanner bridge and returns a simple
// event type token. Bridges prefix every line with a short keyword: ADV for
// an observed advertisement, STAT for periodic health output, ERR for fault
// reports. Anything else is boot noise or line corruption.
func ClassifyLine(line string) string {
	switch {
	case strings.HasPrefix(line, "ADV "):
		return EventTypeAdvertisement
	case strings.HasPrefix(line, "STAT "):
		return EventTypeStatus
	case strings.HasPrefix(line, "ERR "):
		return EventTypeError
	default:
		return EventTypeUnknown
	}
}
