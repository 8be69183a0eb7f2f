package canonical_test

import (
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/traceledger/internal/canonical"
	"github.com/ILLUVRSE/traceledger/internal/digest"
)

func baseFields() canonical.Fields {
	return canonical.Fields{
		ProductID:   "P1",
		EventType:   "HARVEST",
		PerformedBy: "U1",
		Timestamp:   time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC),
	}
}

func TestMarshalValueSortsKeys(t *testing.T) {
	a, err := canonical.ParseJSON([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := canonical.ParseJSON([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)

	ca, err := canonical.MarshalValue(a)
	require.NoError(t, err)
	cb, err := canonical.MarshalValue(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
	assert.True(t, json.Valid(ca))
}

func TestMarshalValueNumbersAndArrays(t *testing.T) {
	in, err := canonical.ParseJSON([]byte(`{"list":[3,2,1],"num":123.45,"str":"hello","bool":true,"nil":null}`))
	require.NoError(t, err)

	c, err := canonical.MarshalValue(in)
	require.NoError(t, err)
	assert.Equal(t, `{"bool":true,"list":[3,2,1],"nil":null,"num":123.45,"str":"hello"}`, string(c))
}

func TestEncodeEventRejectsInvalidUTF8(t *testing.T) {
	var encErr *canonical.EncodeError

	f := baseFields()
	f.PerformedBy = "U\xff"
	_, err := canonical.EncodeEvent(f)
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "performedBy", encErr.Field)

	for _, md := range []canonical.Value{
		canonical.Map(map[string]canonical.Value{"lot": canonical.String("A\xfe")}),
		canonical.Map(map[string]canonical.Value{"lot\xff": canonical.Int(1)}),
		canonical.List(canonical.String("\xc3")),
	} {
		f = baseFields()
		f.Metadata = md
		_, err = canonical.EncodeEvent(f)
		require.True(t, errors.As(err, &encErr))
		assert.Equal(t, "metadata", encErr.Field)
	}

	f = baseFields()
	f.Metadata = canonical.Map(map[string]canonical.Value{"lot": canonical.String("café ☕")})
	_, err = canonical.EncodeEvent(f)
	assert.NoError(t, err)
}

func TestEncodeEventLayout(t *testing.T) {
	f := baseFields()
	f.Location = &canonical.GeoPoint{Latitude: 12.5, Longitude: -7.25}
	f.Metadata = canonical.Map(map[string]canonical.Value{
		"b": canonical.Int(2),
		"a": canonical.List(canonical.Bool(true), canonical.Null(), canonical.String("x<y")),
	})

	got, err := canonical.EncodeEvent(f)
	require.NoError(t, err)

	want := `{"productId":"P1","eventType":"HARVEST","performedBy":"U1",` +
		`"timestamp":"2024-03-01T10:00:00.123456Z",` +
		`"location":{"latitude":"12.5000000","longitude":"-7.2500000","accuracy":null},` +
		`"metadata":{"a":[true,null,"x<y"],"b":2}}`
	assert.Equal(t, want, string(got))
}

func TestEncodeEventAbsentVersusZeroLocation(t *testing.T) {
	absent := baseFields()
	zero := baseFields()
	zero.Location = &canonical.GeoPoint{}

	a, err := canonical.EncodeEvent(absent)
	require.NoError(t, err)
	z, err := canonical.EncodeEvent(zero)
	require.NoError(t, err)

	assert.NotEqual(t, string(a), string(z))
	assert.Contains(t, string(a), `"location":null`)
	assert.Contains(t, string(z), `"latitude":"0.0000000"`)
}

func TestEncodeEventAbsentVersusEmptyMetadata(t *testing.T) {
	absent := baseFields()
	empty := baseFields()
	empty.Metadata = canonical.Map(nil)

	a, err := canonical.EncodeEvent(absent)
	require.NoError(t, err)
	e, err := canonical.EncodeEvent(empty)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(string(a), `"metadata":null}`))
	assert.True(t, strings.HasSuffix(string(e), `"metadata":{}}`))
}

func TestEncodeEventAccuracyIndependent(t *testing.T) {
	acc := 5.0
	withAcc := baseFields()
	withAcc.Location = &canonical.GeoPoint{Latitude: 1, Longitude: 2, Accuracy: &acc}
	noAcc := baseFields()
	noAcc.Location = &canonical.GeoPoint{Latitude: 1, Longitude: 2}

	a, err := canonical.EncodeEvent(withAcc)
	require.NoError(t, err)
	b, err := canonical.EncodeEvent(noAcc)
	require.NoError(t, err)
	assert.Contains(t, string(a), `"accuracy":"5.0000000"`)
	assert.Contains(t, string(b), `"accuracy":null`)
}

func TestEncodeEventTimestampIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	local := baseFields()
	local.Timestamp = time.Date(2024, 3, 1, 12, 0, 0, 123456000, loc)

	a, err := canonical.EncodeEvent(baseFields())
	require.NoError(t, err)
	b, err := canonical.EncodeEvent(local)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestEncodeEventRejectsNonFinite(t *testing.T) {
	f := baseFields()
	f.Location = &canonical.GeoPoint{Latitude: math.NaN(), Longitude: 0}
	_, err := canonical.EncodeEvent(f)
	var encErr *canonical.EncodeError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "location.latitude", encErr.Field)

	f = baseFields()
	f.Metadata = canonical.Map(map[string]canonical.Value{"w": canonical.Float(math.Inf(1))})
	_, err = canonical.EncodeEvent(f)
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "metadata", encErr.Field)
	var numErr *canonical.NumberError
	assert.True(t, errors.As(err, &numErr))
}

func TestNumberNormalization(t *testing.T) {
	cases := map[string]string{
		"10":                     "10",
		"10.0":                   "10",
		"1e1":                    "10",
		"-0":                     "0",
		"1.50":                   "1.5",
		"1e21":                   "1e+21",
		"1000000000000000000000": "1e+21",
		"9007199254740993":       "9007199254740993",
		"0.1":                    "0.1",
	}
	for in, want := range cases {
		v, err := canonical.ParseNumber(in)
		require.NoError(t, err, in)
		got, err := v.NumberText()
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}

	f, err := canonical.Float(2.0).NumberText()
	require.NoError(t, err)
	assert.Equal(t, "2", f)
}

func TestValueJSONRoundTripIsStable(t *testing.T) {
	raw := []byte(`{"z":{"y":[1.0,"two",null,false]},"a":1e2,"m":{}}`)
	v, err := canonical.ParseJSON(raw)
	require.NoError(t, err)

	first, err := canonical.MarshalValue(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":100,"m":{},"z":{"y":[1,"two",null,false]}}`, string(first))

	again, err := canonical.ParseJSON(first)
	require.NoError(t, err)
	second, err := canonical.MarshalValue(again)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestCanonicalDeterminismProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("encoding the same fields twice yields identical bytes", prop.ForAll(
		func(product, actor string, lat, lon float64, ms int64) bool {
			f := canonical.Fields{
				ProductID:   product,
				EventType:   "SHIPMENT",
				PerformedBy: actor,
				Timestamp:   time.UnixMilli(ms).UTC(),
				Location:    &canonical.GeoPoint{Latitude: lat, Longitude: lon},
			}
			a, errA := canonical.EncodeEvent(f)
			b, errB := canonical.EncodeEvent(f)
			return errA == nil && errB == nil && string(a) == string(b)
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.Float64Range(-90, 90),
		gen.Float64Range(-180, 180),
		gen.Int64Range(0, 4102444800000),
	))

	properties.Property("metadata key order does not change the bytes", prop.ForAll(
		func(keys []string, n int64) bool {
			keys = uniqueSorted(keys)
			forward := buildObject(keys, n)
			reversed := make([]string, len(keys))
			for i, k := range keys {
				reversed[len(keys)-1-i] = k
			}
			backward := buildObject(reversed, n)

			va, errA := canonical.ParseJSON([]byte(forward))
			vb, errB := canonical.ParseJSON([]byte(backward))
			if errA != nil || errB != nil {
				return false
			}
			f1, f2 := baseFields(), baseFields()
			f1.Metadata, f2.Metadata = va, vb
			a, errA := canonical.EncodeEvent(f1)
			b, errB := canonical.EncodeEvent(f2)
			return errA == nil && errB == nil && string(a) == string(b)
		},
		gen.SliceOf(gen.Identifier()),
		gen.Int64(),
	))

	properties.Property("changing the performer changes the digest", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			f1, f2 := baseFields(), baseFields()
			f1.PerformedBy, f2.PerformedBy = a, b
			ca, errA := canonical.EncodeEvent(f1)
			cb, errB := canonical.EncodeEvent(f2)
			return errA == nil && errB == nil && digest.Sum(ca) != digest.Sum(cb)
		},
		gen.AlphaString(),
		gen.Identifier(),
	))

	properties.Property("moving the timestamp by one microsecond changes the digest", prop.ForAll(
		func(us int64) bool {
			f1, f2 := baseFields(), baseFields()
			f1.Timestamp = time.UnixMicro(us).UTC()
			f2.Timestamp = f1.Timestamp.Add(time.Microsecond)
			ca, errA := canonical.EncodeEvent(f1)
			cb, errB := canonical.EncodeEvent(f2)
			return errA == nil && errB == nil && digest.Sum(ca) != digest.Sum(cb)
		},
		gen.Int64Range(0, 4102444800000000),
	))

	properties.Property("changing one nested metadata value changes the digest", prop.ForAll(
		func(key string, n int64, delta int64) bool {
			if delta == 0 || key == "grades" {
				return true
			}
			nested := func(v int64) canonical.Value {
				lot := canonical.Map(map[string]canonical.Value{
					key:      canonical.Int(v),
					"grades": canonical.List(canonical.String("A"), canonical.Bool(true)),
				})
				return canonical.Map(map[string]canonical.Value{"unit": canonical.String("kg"), "lot": lot})
			}
			f1, f2 := baseFields(), baseFields()
			f1.Metadata = nested(n)
			f2.Metadata = nested(n + delta)
			ca, errA := canonical.EncodeEvent(f1)
			cb, errB := canonical.EncodeEvent(f2)
			return errA == nil && errB == nil && digest.Sum(ca) != digest.Sum(cb)
		},
		gen.Identifier(),
		gen.Int64Range(-1<<40, 1<<40),
		gen.Int64Range(-1000, 1000),
	))

	properties.TestingRun(t)
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func buildObject(keys []string, n int64) string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		sb.Write(kb)
		sb.WriteByte(':')
		vb, _ := json.Marshal(n + int64(len(k)))
		sb.Write(vb)
	}
	sb.WriteByte('}')
	return sb.String()
}
