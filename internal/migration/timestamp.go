package migration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PabloGalante/policydesk/internal/observability"
)

// textLayout is the sortable text form timestamps are persisted in.
const textLayout = time.RFC3339Nano

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// flexTime accepts every timestamp shape older clients wrote: ISO-8601 text,
// epoch numbers (milliseconds, or seconds for small values) and serialized
// {seconds, nanoseconds} objects. Missing or null leaves it zero.
type flexTime struct {
	time.Time
}

// UnmarshalJSON never fails: an unreadable timestamp is logged and left zero,
// so the record falls back to its default times instead of being dropped.
func (t *flexTime) UnmarshalJSON(data []byte) error {
	parsed, err := decodeTime(bytes.TrimSpace(data))
	if err != nil {
		observability.Logger().Warnw("unreadable timestamp in session record",
			"value", string(data),
			"error", err,
		)
		return nil
	}
	t.Time = parsed
	return nil
}

func decodeTime(data []byte) (time.Time, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return time.Time{}, nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return time.Time{}, err
		}
		return parseText(s)

	case '{':
		var obj struct {
			Seconds     int64 `json:"seconds"`
			Nanoseconds int64 `json:"nanoseconds"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return time.Time{}, err
		}
		return time.Unix(obj.Seconds, obj.Nanoseconds).UTC(), nil

	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return time.Time{}, fmt.Errorf("timestamp: unsupported value %s", data)
		}
		return fromEpoch(n), nil
	}
}

func parseText(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range parseLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: cannot parse %q", s)
}

func fromEpoch(n float64) time.Time {
	if n < 1e11 {
		sec := int64(n)
		return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC()
	}
	return time.UnixMilli(int64(n)).UTC()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(textLayout)
}
