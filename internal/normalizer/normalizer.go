// Package normalizer turns the appointment events of the different clinic
// publishers into one canonical partial record.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/types"
)

var (
	ErrMalformedJSON = errors.New("event body is not valid JSON")
	ErrNotObject     = errors.New("event is not an object")
	ErrMissingID     = errors.New("event has no identifier")
	ErrInvalidID     = errors.New("event identifier is not a positive integer")
)

// NormalizeJSON decodes body and normalizes the resulting value
func NormalizeJSON(body []byte) (*types.NormalizedEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return Normalize(raw)
}

// Normalize converts one raw event into a NormalizedEvent. Fields that are
// absent or cannot be decoded are left nil.
func Normalize(raw any) (*types.NormalizedEvent, error) {
	switch v := raw.(type) {
	case json.RawMessage:
		return NormalizeJSON(v)
	case []byte:
		return NormalizeJSON(v)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	obj = unwrap(obj)

	idValue, ok := resolve(obj, idAliases)
	if !ok {
		return nil, ErrMissingID
	}
	id, ok := toInt64(idValue)
	if !ok || id <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, idValue)
	}

	event := &types.NormalizedEvent{ID: id}

	for _, f := range stringFields {
		if s, ok := firstString(obj, f.aliases); ok {
			*f.dst(event) = &s
		}
	}
	for _, f := range idFields {
		if n, ok := firstInt64(obj, f.aliases); ok {
			*f.dst(event) = &n
		}
	}
	for _, f := range minutesFields {
		if n, ok := firstInt64(obj, f.aliases); ok && n >= 0 && n <= math.MaxInt32 {
			m := int(n)
			*f.dst(event) = &m
		}
	}

	return event, nil
}

// unwrap descends into a publisher envelope when the top level has no id
func unwrap(obj map[string]any) map[string]any {
	for depth := 0; depth < 2; depth++ {
		if _, ok := resolve(obj, idAliases); ok {
			return obj
		}
		nested := envelope(obj)
		if nested == nil {
			return obj
		}
		obj = nested
	}
	return obj
}

func envelope(obj map[string]any) map[string]any {
	for _, key := range envelopeKeys {
		if nested, ok := obj[key].(map[string]any); ok {
			return nested
		}
	}
	return nil
}

// lookup follows a dotted path; nil values count as absent
func lookup(obj map[string]any, path string) (any, bool) {
	var cur any = obj
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok || v == nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func resolve(obj map[string]any, aliases []string) (any, bool) {
	for _, alias := range aliases {
		if v, ok := lookup(obj, alias); ok {
			return v, true
		}
	}
	return nil, false
}

func firstString(obj map[string]any, aliases []string) (string, bool) {
	for _, alias := range aliases {
		v, ok := lookup(obj, alias)
		if !ok {
			continue
		}
		if s, ok := toString(v); ok {
			return s, true
		}
	}
	return "", false
}

func firstInt64(obj map[string]any, aliases []string) (int64, bool) {
	for _, alias := range aliases {
		v, ok := lookup(obj, alias)
		if !ok {
			continue
		}
		if n, ok := toInt64(v); ok {
			return n, true
		}
	}
	return 0, false
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(strings.TrimSpace(t)), true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return floatToInt64(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	}
	return 0, false
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
