// Package canonical produces the deterministic byte form of supply-chain events
// that is hashed and anchored. Any party holding the logical fields of an event
// can rebuild exactly these bytes.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"
)

var errInvalidUTF8 = errors.New("string is not valid UTF-8")

// TimestampLayout is the fixed-precision UTC layout used inside canonical bytes.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// CoordinateDecimals is the number of fractional digits written for location values.
const CoordinateDecimals = 7

// GeoPoint is the location portion of an event. Accuracy is optional on its own.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
}

// Fields are the logical, pre-hash fields of an event. Identity, description,
// hash, anchor link and verification flag are not part of the encoding.
type Fields struct {
	ProductID   string
	EventType   string
	PerformedBy string
	Timestamp   time.Time
	Location    *GeoPoint
	Metadata    Value
}

// EncodeError reports a field that has no canonical form.
type EncodeError struct {
	Field string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("canonical: field %s: %v", e.Field, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// EncodeEvent returns the canonical bytes for f. The object members are always
// written in the same order; absent location or metadata is written as null,
// which never collides with a present zero value.
func EncodeEvent(f Fields) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range []struct{ prefix, field, value string }{
		{`{"productId":`, "productId", f.ProductID},
		{`,"eventType":`, "eventType", f.EventType},
		{`,"performedBy":`, "performedBy", f.PerformedBy},
		{`,"timestamp":`, "timestamp", FormatTimestamp(f.Timestamp)},
	} {
		buf.WriteString(m.prefix)
		if err := writeString(&buf, m.value); err != nil {
			return nil, &EncodeError{Field: m.field, Err: err}
		}
	}

	buf.WriteString(`,"location":`)
	if f.Location == nil {
		buf.WriteString("null")
	} else if err := encodeLocation(&buf, *f.Location); err != nil {
		return nil, err
	}

	buf.WriteString(`,"metadata":`)
	if err := encode(&buf, f.Metadata); err != nil {
		return nil, &EncodeError{Field: "metadata", Err: err}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FormatTimestamp renders t in UTC at microsecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NormalizeTimestamp drops precision the canonical form cannot carry.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// FormatCoordinate renders a location value with fixed decimals.
func FormatCoordinate(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("non-finite value %v", v)
	}
	s := strconv.FormatFloat(v, 'f', CoordinateDecimals, 64)
	if s == "-0.0000000" {
		s = "0.0000000"
	}
	return s, nil
}

func encodeLocation(buf *bytes.Buffer, p GeoPoint) error {
	lat, err := FormatCoordinate(p.Latitude)
	if err != nil {
		return &EncodeError{Field: "location.latitude", Err: err}
	}
	lon, err := FormatCoordinate(p.Longitude)
	if err != nil {
		return &EncodeError{Field: "location.longitude", Err: err}
	}
	buf.WriteString(`{"latitude":"`)
	buf.WriteString(lat)
	buf.WriteString(`","longitude":"`)
	buf.WriteString(lon)
	buf.WriteString(`"`)
	buf.WriteString(`,"accuracy":`)
	if p.Accuracy == nil {
		buf.WriteString("null")
	} else {
		acc, err := FormatCoordinate(*p.Accuracy)
		if err != nil {
			return &EncodeError{Field: "location.accuracy", Err: err}
		}
		buf.WriteString(`"` + acc + `"`)
	}
	buf.WriteByte('}')
	return nil
}

// MarshalValue returns the canonical bytes of a metadata Value.
func MarshalValue(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		text, err := v.NumberText()
		if err != nil {
			return err
		}
		buf.WriteString(text)
	case KindString:
		if err := writeString(buf, v.s); err != nil {
			return err
		}
	case KindList:
		buf.WriteByte('[')
		for i, elem := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			buf.WriteByte(':')
			if err := encode(buf, v.m[k]); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unknown value kind %d", v.kind)
	}
	return nil
}

// writeString writes s as a JSON string without HTML escaping. Invalid UTF-8
// is rejected rather than replaced, so distinct inputs never share an encoding.
func writeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return errInvalidUTF8
	}
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}
