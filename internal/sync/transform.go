package sync

import (
	"encoding/json"
	"time"

	"github.com/dedet2/crmsync/internal/db"
)

// timestampLayouts are accepted when parsing modification timestamps stored
// as strings in the field payload.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp parses a field value into a time, accepting time.Time values
// and the string layouts the stores produce.
func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// modifiedTimestampFields are checked in order when looking for a record's
// modification time.
var modifiedTimestampFields = []string{"updated_at", "last_updated", "last_activity", "modified_time"}

// modifiedAt returns the modification timestamp carried in a field payload,
// whichever of the known timestamp fields is present first.
func modifiedAt(fields map[string]any) (time.Time, bool) {
	for _, name := range modifiedTimestampFields {
		if v, ok := fields[name]; ok {
			if ts, parsed := parseTimestamp(v); parsed {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// ToRemote transforms a local record's fields into the remote field names
// and value encodings. Datetimes become RFC3339 strings, lists and maps
// become serialized JSON strings. Fields absent locally are omitted.
func ToRemote(rec db.Record, et EntityType) map[string]any {
	out := make(map[string]any, len(et.FieldMap))
	for local, remote := range et.FieldMap {
		v, ok := rec.Fields[local]
		if !ok || v == nil {
			continue
		}
		switch {
		case contains(et.TimeFields, local):
			if ts, parsed := parseTimestamp(v); parsed {
				out[remote] = ts.UTC().Format(time.RFC3339)
			} else {
				out[remote] = v
			}
		case contains(et.JSONFields, local):
			switch v.(type) {
			case []any, map[string]any:
				if encoded, err := json.Marshal(v); err == nil {
					out[remote] = string(encoded)
				}
			default:
				out[remote] = v
			}
		default:
			out[remote] = v
		}
	}
	return out
}

// FromRemote transforms a remote record's fields back into local field names,
// decoding the JSON-serialized list and map fields.
func FromRemote(fields map[string]any, et EntityType) map[string]any {
	out := make(map[string]any, len(fields))
	for local, remote := range et.FieldMap {
		v, ok := fields[remote]
		if !ok || v == nil {
			continue
		}
		if contains(et.JSONFields, local) {
			if s, isString := v.(string); isString {
				var decoded any
				if err := json.Unmarshal([]byte(s), &decoded); err == nil {
					out[local] = decoded
					continue
				}
			}
		}
		out[local] = v
	}
	return out
}
