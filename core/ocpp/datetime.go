package ocpp

import (
	"encoding/json"
	"fmt"
	"time"
)

const dateTimeLayout = "2006-01-02T15:04:05.999Z07:00"

// DateTime is a timestamp serialized in UTC with an explicit zone marker.
type DateTime struct {
	time.Time
}

// NewDateTime wraps t for use in optional payload fields.
func NewDateTime(t time.Time) *DateTime {
	return &DateTime{Time: t}
}

func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.UTC().Format(dateTimeLayout))
}

func (d *DateTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		d.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("datetime: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("datetime: %w", err)
	}
	d.Time = t.UTC()
	return nil
}
