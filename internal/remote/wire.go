package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Wire shapes shared by Client and Server.

type queryRequest struct {
	Collection string `json:"collection"`
	Query      Query  `json:"query"`
}

type queryResponse struct {
	Documents []Document `json:"documents"`
}

type upsertRequest struct {
	Fields map[string]any `json:"fields"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type listenFrame struct {
	Change *Change `json:"change,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// serverTimestampMarker is how ServerTimestamp travels over the wire.
const serverTimestampMarker = "__server_timestamp__"

// encodeFields replaces values with JSON-friendly forms.
func encodeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case serverTimestamp:
		return serverTimestampMarker
	case time.Time:
		return FromTime(t)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = encodeValue(e)
		}
		return out
	case map[string]any:
		return encodeFields(t)
	}
	return v
}

// decodeJSON decodes r into v keeping numbers exact.
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}

// decodeFields restores Timestamps, integers and the server timestamp
// sentinel after JSON decoding.
func decodeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = decodeValue(v)
	}
	return out
}

func decodeValue(v any) any {
	switch t := v.(type) {
	case string:
		if t == serverTimestampMarker {
			return ServerTimestamp
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = decodeValue(e)
		}
		return out
	case map[string]any:
		if ts, ok := timestampFromMap(t); ok {
			return ts
		}
		return decodeFields(t)
	}
	return v
}

func encodeQuery(q Query) Query {
	out := q
	out.Filters = make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		out.Filters[i] = Filter{Field: f.Field, Op: f.Op, Value: encodeValue(f.Value)}
	}
	return out
}

func decodeQuery(q Query) Query {
	out := q
	out.Filters = make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		out.Filters[i] = Filter{Field: f.Field, Op: f.Op, Value: decodeValue(f.Value)}
	}
	return out
}

func encodeDocument(d Document) Document {
	return Document{Path: d.Path, Fields: encodeFields(d.Fields)}
}

func decodeDocument(d Document) Document {
	return Document{Path: d.Path, Fields: decodeFields(d.Fields)}
}

func marshalBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return bytes.NewReader(b), nil
}
