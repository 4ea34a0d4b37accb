package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// Timestamp is an event time as written by the producers: an RFC 3339 string,
// an ISO 8601 string without zone (read as UTC), or a number of seconds since
// the Unix epoch. JSON null and a missing field leave it zero.
//
// A value in none of these forms also leaves it zero, rather than failing the
// whole payload; Unrecognised returns what was written.
type Timestamp struct {
	time.Time
	unrecognised string
}

// Unrecognised returns the raw JSON of a timestamp that could not be parsed,
// or "" when it was parsed or absent.
func (t Timestamp) Unrecognised() string { return t.unrecognised }

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				t.Time = ts.UTC()
				return nil
			}
		}
		t.unrecognised = string(b)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		t.unrecognised = string(b)
		return nil
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
	return nil
}
