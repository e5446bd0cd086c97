package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"pimsync/internal"
)

// Resolver reads and builds channel/locale aware attribute values. In strict
// mode Lookup refuses to fall back to a value of another channel or locale.
type Resolver struct {
	Strict bool
}

// Get returns the value of field for the given context. It never fails: an
// absent field yields "" and a field without a matching entry yields the data
// of its first entry.
func (r Resolver) Get(values internal.Values, field, channel, locale string) string {
	entries := values[field]
	if len(entries) == 0 {
		return ""
	}
	if v, ok := matchContext(entries, channel, locale); ok {
		return NormalizeData(v.Data)
	}
	return NormalizeData(entries[0].Data)
}

// Lookup behaves like Get, except that in strict mode a field whose entries
// all belong to another context returns ErrContextMismatch.
func (r Resolver) Lookup(values internal.Values, field, channel, locale string) (string, error) {
	entries := values[field]
	if len(entries) == 0 {
		return "", nil
	}
	if v, ok := matchContext(entries, channel, locale); ok {
		return NormalizeData(v.Data), nil
	}
	if r.Strict {
		return "", fmt.Errorf("field %s (channel=%s locale=%s): %w", field, channel, locale, ErrContextMismatch)
	}
	return NormalizeData(entries[0].Data), nil
}

// BuildWriteValue builds the single value to write for a field. Scope and
// locale are only set when the attribute is scopable or localizable, since the
// catalog rejects them otherwise.
func (r Resolver) BuildWriteValue(meta internal.AttributeMeta, data any, channel, locale string) internal.AttributeValue {
	v := internal.AttributeValue{Data: data}
	if meta.Scopable {
		v.Scope = internal.StringPtr(channel)
	}
	if meta.Localizable {
		v.Locale = internal.StringPtr(locale)
	}
	return v
}

func matchContext(entries []internal.AttributeValue, channel, locale string) (internal.AttributeValue, bool) {
	for _, e := range entries {
		if e.Scope != nil && *e.Scope != channel {
			continue
		}
		if e.Locale != nil && *e.Locale != locale {
			continue
		}
		return e, true
	}
	return internal.AttributeValue{}, false
}

// NormalizeData turns any decoded attribute payload into a string. Lists
// collapse to their first element, nil to "", objects such as prices or
// metrics to compact JSON.
func NormalizeData(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		if len(t) == 0 {
			return ""
		}
		return NormalizeData(t[0])
	case []string:
		if len(t) == 0 {
			return ""
		}
		return t[0]
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		blob, err := json.Marshal(t)
		if err != nil {
			return strings.TrimSpace(fmt.Sprint(t))
		}
		return string(blob)
	}
}
