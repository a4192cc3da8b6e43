// Package timex provides a time.Duration wrapper that unmarshals from the
// JSON config files used by the server, host and client components.
package timex

import (
	"encoding/json"
	"errors"
	"time"
)

// Duration accepts either a duration string ("30s", "5m") or an integer
// number of nanoseconds. The zero value means "not set" to the config overlay.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return errors.New("invalid duration")
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
