package quota

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tbuchboeck/EcoFlowMon/internal/errors"
)

func TestDecodeMappingKeepsWireOrder(t *testing.T) {
	m, err := DecodeMapping([]byte(`{"pd.soc":87,"bms_bmsStatus.temp":"24.5","inv":{"outWatts":120,"cfg":[1,2]},"flag":true,"none":null}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"pd.soc", "bms_bmsStatus.temp", "inv", "flag", "none"}, m.Keys())
	assert.Equal(t, 5, m.Len())

	inv, ok := m.Get("inv")
	require.True(t, ok)
	require.Equal(t, KindMapping, inv.Kind())
	cfg, ok := inv.(Mapping).Get("cfg")
	require.True(t, ok)
	assert.Equal(t, KindSequence, cfg.Kind())

	soc, _ := m.Get("pd.soc")
	assert.Equal(t, NumberScalar("87"), soc)
}

func TestDecodeMappingNullAndEmpty(t *testing.T) {
	for _, in := range []string{"", "null", "  ", "{}"} {
		m, err := DecodeMapping([]byte(in))
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, 0, m.Len(), "input %q", in)
	}
}

func TestDecodeMappingRejectsNonObject(t *testing.T) {
	_, err := DecodeMapping([]byte(`[1,2]`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotMapping))

	_, err = DecodeMapping([]byte(`{"a":1} trailing`))
	require.Error(t, err)
}

func TestMappingRoundTrip(t *testing.T) {
	in := `{"z":1.50,"a":{"s":"x\"y","b":false,"n":null},"arr":[1,"2",[3]]}`
	m, err := DecodeMapping([]byte(in))
	require.NoError(t, err)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, in, string(out))
}

func TestMappingUnmarshalJSONInStruct(t *testing.T) {
	var envelope struct {
		Code string  `json:"code"`
		Data Mapping `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"code":"0","data":{"b":2,"a":1}}`), &envelope))
	assert.Equal(t, []string{"b", "a"}, envelope.Data.Keys())
}

func TestScalarFloat(t *testing.T) {
	tests := []struct {
		name   string
		scalar Scalar
		want   float64
		ok     bool
	}{
		{"integer", NumberScalar("42"), 42, true},
		{"negative float", NumberScalar("-1.25"), -1.25, true},
		{"exponent", NumberScalar("1e3"), 1000, true},
		{"numeric string", StringScalar("3.5"), 3.5, true},
		{"padded numeric string", StringScalar(" 7 "), 7, true},
		{"non numeric string", StringScalar("abc"), 0, false},
		{"partially numeric string", StringScalar("12V"), 0, false},
		{"nan string", StringScalar("NaN"), 0, false},
		{"empty string", StringScalar(""), 0, false},
		{"bool", BoolScalar(true), 0, false},
		{"null", NullScalar(), 0, false},
		{"out of range", NumberScalar("1e400"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.scalar.Float()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestKeyPaths(t *testing.T) {
	v, err := FromAny(map[string]any{
		"sn": "123456789",
		"params": map[string]any{
			"cmdSet": 11,
			"id":     24,
			"eps":    0,
			"list":   []any{1, map[string]any{"x": "y"}},
			"empty":  map[string]any{},
			"nil":    nil,
		},
	})
	require.NoError(t, err)

	pairs, err := KeyPaths(v)
	require.NoError(t, err)

	got := make(map[string]string, len(pairs))
	for _, p := range pairs {
		got[p.Key] = p.Value
	}
	assert.Equal(t, map[string]string{
		"sn":               "123456789",
		"params.cmdSet":    "11",
		"params.id":        "24",
		"params.eps":       "0",
		"params.list[0]":   "1",
		"params.list[1].x": "y",
		"params.nil":       "null",
	}, got)
}

func TestKeyPathsTopLevelArray(t *testing.T) {
	v, err := Decode([]byte(`[{"a":1},2]`))
	require.NoError(t, err)

	pairs, err := KeyPaths(v)
	require.NoError(t, err)
	assert.Equal(t, []Pair{{Key: "0.a", Value: "1"}, {Key: "1", Value: "2"}}, pairs)
}

func TestKeyPathsCollision(t *testing.T) {
	v, err := Decode([]byte(`{"a.b":1,"a":{"b":2}}`))
	require.NoError(t, err)

	_, err = KeyPaths(v)
	require.Error(t, err)

	var collision *CollisionError
	require.True(t, errors.As(err, &collision))
	assert.Equal(t, "a.b", collision.Key)
	assert.True(t, errors.Is(err, apperrors.ErrKeyCollision))
}

func TestKeyPathsNilAndScalar(t *testing.T) {
	pairs, err := KeyPaths(NullScalar())
	require.NoError(t, err)
	assert.Empty(t, pairs)

	_, err = KeyPaths(StringScalar("x"))
	assert.ErrorIs(t, err, ErrNotMapping)
}
