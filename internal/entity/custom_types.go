package entity

import (
	"fmt"
	"strings"
	"time"
)

// EventTime accepts the admin form layout as well as RFC 3339 and plain
// dates when decoding event payloads.
type EventTime struct {
	time.Time
}

const eventTimeLayout = "2006-01-02T15:04"

var eventTimeLayouts = []string{time.RFC3339, eventTimeLayout, "2006-01-02"}

func ParseEventTime(s string) (time.Time, error) {
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func (et *EventTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	t, err := ParseEventTime(s)
	if err != nil {
		return err
	}
	et.Time = t
	return nil
}

func (et EventTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + et.Format(eventTimeLayout) + `"`), nil
}
