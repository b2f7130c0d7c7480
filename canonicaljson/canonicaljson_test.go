package canonicaljson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalSortsKeys(t *testing.T) {
	v := map[string]interface{}{
		"b": 1,
		"a": 2,
		"c": map[string]interface{}{"z": 1, "y": 2},
	}
	b, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(b))
}

func TestMarshalCanonicalIsDeterministic(t *testing.T) {
	v := map[string]interface{}{"x": 1, "y": "hello"}
	b1, err := MarshalCanonical(v)
	require.NoError(t, err)
	b2, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestParseEnvelopeRecoversSignedBytes(t *testing.T) {
	doc := []byte(`{"signed":{"_type":"root","version":1,"z":"last","a":"first"},"signatures":[{"keyid":"abc","sig":"def"}]}`)
	env, signedBytes, err := ParseEnvelope("root", doc)
	require.NoError(t, err)
	require.Len(t, env.Signatures, 1)
	assert.Equal(t, "abc", env.Signatures[0].KeyID)
	assert.Equal(t, `{"_type":"root","a":"first","version":1,"z":"last"}`, string(signedBytes))
}

func TestParseEnvelopeRejectsMalformedJson(t *testing.T) {
	_, _, err := ParseEnvelope("root", []byte(`{not json`))
	require.Error(t, err)
}

func TestParseEnvelopeRejectsMissingSigned(t *testing.T) {
	_, _, err := ParseEnvelope("root", []byte(`{"signatures":[]}`))
	require.Error(t, err)
}

func TestDecodeInt64FieldRejectsFraction(t *testing.T) {
	_, err := DecodeInt64Field("version", json.Number("1.5"))
	require.Error(t, err)
}

func TestDecodeInt64FieldAcceptsInteger(t *testing.T) {
	v, err := DecodeInt64Field("version", json.Number("42"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestEncodeCanonicalStringEscaping(t *testing.T) {
	out, err := EncodeCanonicalString("hello \"world\"\n\\")
	require.NoError(t, err)
	assert.Equal(t, "\"hello \\\"world\\\"\\u000a\\\\\"", out)
}

func TestValidateIntegerFieldsAcceptsWholeNumbers(t *testing.T) {
	data := []byte(`{"version":3,"meta":{"snapshot.json":{"version":2,"length":100}}}`)
	require.NoError(t, ValidateIntegerFields(data, "version", "length"))
}

func TestValidateIntegerFieldsRejectsFraction(t *testing.T) {
	data := []byte(`{"version":3.5}`)
	err := ValidateIntegerFields(data, "version")
	require.Error(t, err)
}

func TestEncodeCanonicalStringPassesThroughUnicode(t *testing.T) {
	out, err := EncodeCanonicalString("héllo 世界")
	require.NoError(t, err)
	assert.Equal(t, `"héllo 世界"`, out)
}
