package rows

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBatch() Batch {
	return NewBatch(
		Row{Int(1), String("alpha"), Float(1.5), Bool(true), Bytes{0x01, 0x02}, Null{}},
		Row{Int(-42), String(""), Float(math.Inf(-1)), Bool(false), Bytes(nil), Null{}},
		Row{Int(math.MaxInt64), String("ünïcødé"), Float(math.Copysign(0, -1)), Bool(true), Bytes{}, Null{}},
	)
}

func TestCodec_RoundTrip(t *testing.T) {
	b := sampleBatch()

	data := EncodeBatch(b)
	assert.Equal(t, int64(len(data)), b.SizeBytes(), "SizeBytes must match the encoded length")

	got, err := DecodeBatch(data)
	require.NoError(t, err)
	assert.True(t, b.Equal(got), "decoded batch must be value-identical")

	again := EncodeBatch(got)
	assert.Equal(t, data, again, "re-encoding must be byte-identical")
}

func TestCodec_NaNPreserved(t *testing.T) {
	nan := math.Float64frombits(0x7ff8000000000001)
	b := NewBatch(Row{Float(nan)})

	got, err := DecodeBatch(EncodeBatch(b))
	require.NoError(t, err)
	assert.Equal(t, math.Float64bits(nan), math.Float64bits(float64(got.Rows[0][0].(Float))))
}

func TestCodec_EmptyBatch(t *testing.T) {
	got, err := DecodeBatch(EncodeBatch(Batch{}))
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())
}

func TestCodec_DetectsCorruption(t *testing.T) {
	data := EncodeBatch(sampleBatch())
	data[5] ^= 0xff

	_, err := DecodeBatch(data)
	assert.ErrorIs(t, err, ErrCorruptBatch)

	_, err = DecodeBatch([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorruptBatch)
}

func TestSchema_Validate(t *testing.T) {
	s := NewSchema(Col("id", TypeInt), Col("name", TypeString))

	assert.NoError(t, s.Validate(Row{Int(1), String("a")}))
	assert.NoError(t, s.Validate(Row{Null{}, String("a")}), "nulls fit any column")
	assert.Error(t, s.Validate(Row{String("x"), String("a")}))
	assert.Error(t, s.Validate(Row{Int(1)}))
	assert.Equal(t, 1, s.Index("NAME"))
	assert.Equal(t, -1, s.Index("missing"))
}

func TestSplit(t *testing.T) {
	rs := []Row{{Int(1)}, {Int(2)}, {Int(3)}, {Int(4)}, {Int(5)}}

	batches := Split(rs, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, 2, batches[0].Len())
	assert.Equal(t, 1, batches[2].Len())

	assert.Len(t, Split(rs, 0), 1)
	assert.Nil(t, Split(nil, 2))
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("varchar")
	require.NoError(t, err)
	assert.Equal(t, TypeString, typ)

	var parsed Type
	require.NoError(t, parsed.UnmarshalText([]byte("double")))
	assert.Equal(t, TypeFloat, parsed)

	_, err = ParseType("decimal")
	assert.Error(t, err)
}

func TestFingerprint_Stable(t *testing.T) {
	a, err := ResultFingerprint("select * from t where id = ?", []Value{Int(1)}, map[string]string{"b": "2", "a": "1"})
	require.NoError(t, err)
	b, err := ResultFingerprint("select * from t where id = ?", []Value{Int(1)}, map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "option order must not affect fingerprint")
	assert.Len(t, a, 64)
}

func TestFingerprint_NFC(t *testing.T) {
	composed, err := PlanFingerprint("select '\u00e9'", nil)
	require.NoError(t, err)
	decomposed, err := PlanFingerprint("select 'e\u0301'", nil)
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestFingerprint_IntAndFloatDiffer(t *testing.T) {
	i, err := ResultFingerprint("q", []Value{Int(1)}, nil)
	require.NoError(t, err)
	f, err := ResultFingerprint("q", []Value{Float(1)}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, i, f)
}

func TestFingerprint_PlanIgnoresDomainCollision(t *testing.T) {
	p, err := PlanFingerprint("q", nil)
	require.NoError(t, err)
	r, err := ResultFingerprint("q", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, p, r, "plan and result domains are separated")
}

func TestMarshalCanonical_KeyOrder(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"b": Int(1), "a": String("<x>")})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":1}`, string(out))

	_, err = MarshalCanonical(map[string]any{"f": 1.5})
	assert.Error(t, err, "untagged floats are rejected")
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(3)
	require.NoError(t, err)
	assert.Equal(t, Int(3), v)

	v, err = FromAny(nil)
	require.NoError(t, err)
	assert.Equal(t, Null{}, v)

	_, err = FromAny(struct{}{})
	assert.Error(t, err)

	assert.Equal(t, "x", ToAny(String("x")))
	assert.Nil(t, ToAny(Null{}))
}
