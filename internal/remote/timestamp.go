package remote

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Timestamp is the store-native time representation.
type Timestamp struct {
	Seconds int64 `json:"_seconds"`
	Nanos   int64 `json:"_nanoseconds"`
}

// FromMillis converts Unix milliseconds to a Timestamp.
func FromMillis(ms int64) Timestamp {
	return Timestamp{Seconds: ms / 1000, Nanos: (ms % 1000) * int64(time.Millisecond)}
}

// FromTime converts a time.Time to a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int64(t.Nanosecond())}
}

// UnixMilli returns the timestamp in Unix milliseconds.
func (t Timestamp) UnixMilli() int64 {
	return t.Seconds*1000 + t.Nanos/int64(time.Millisecond)
}

type serverTimestamp struct{}

// ServerTimestamp is a field value the store replaces with its own clock at
// write time.
var ServerTimestamp any = serverTimestamp{}

// Millis normalizes any timestamp-like value found in a document to Unix
// milliseconds. It accepts Timestamp, time.Time, integer and float
// milliseconds, json.Number, RFC 3339 strings and the {_seconds,_nanoseconds}
// map shape produced by JSON decoding.
func Millis(v any) (int64, bool) {
	switch t := v.(type) {
	case Timestamp:
		return t.UnixMilli(), true
	case *Timestamp:
		if t == nil {
			return 0, false
		}
		return t.UnixMilli(), true
	case time.Time:
		if t.IsZero() {
			return 0, false
		}
		return t.UnixMilli(), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f), true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UnixMilli(), true
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
		return 0, false
	case map[string]any:
		ts, ok := timestampFromMap(t)
		if !ok {
			return 0, false
		}
		return ts.UnixMilli(), true
	}
	return 0, false
}

func timestampFromMap(m map[string]any) (Timestamp, bool) {
	if len(m) != 2 {
		return Timestamp{}, false
	}
	secs, ok1 := m["_seconds"]
	nanos, ok2 := m["_nanoseconds"]
	if !ok1 || !ok2 {
		return Timestamp{}, false
	}
	s, ok1 := Millis(secs)
	n, ok2 := Millis(nanos)
	if !ok1 || !ok2 {
		return Timestamp{}, false
	}
	return Timestamp{Seconds: s, Nanos: n}, true
}
