package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnveloped(t *testing.T) {
	env, err := Decode([]byte(`{"type":"command","payload":{"value":"look"},"meta":{"clientTs":123}}`))
	require.NoError(t, err)

	assert.Equal(t, TypeCommand, env.Type)
	assert.Equal(t, "look", env.String("value"))
	assert.EqualValues(t, 123, env.Meta["clientTs"])
}

func TestDecodeLegacyFlatKeys(t *testing.T) {
	env, err := Decode([]byte(`{"type":"init","publicId":"P","owner":"O"}`))
	require.NoError(t, err)

	assert.Equal(t, "P", env.String("publicId"))
	assert.Equal(t, "O", env.String("owner"))
}

func TestDecodePayloadWinsOverFlat(t *testing.T) {
	env, err := Decode([]byte(`{"type":"command","value":"flat","payload":{"value":"nested"}}`))
	require.NoError(t, err)

	assert.Equal(t, "nested", env.String("value"))
}

func TestDecodeUnknownFlatKeysIgnored(t *testing.T) {
	env, err := Decode([]byte(`{"type":"init","bogus":"x"}`))
	require.NoError(t, err)

	_, ok := env.Payload["bogus"]
	assert.False(t, ok)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{{`,
		"missing type":    `{"payload":{}}`,
		"non-string type": `{"type":7}`,
		"array payload":   `{"type":"init","payload":[1,2]}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeEmptyPayloadDefaults(t *testing.T) {
	env, err := Decode([]byte(`{"type":"connect"}`))
	require.NoError(t, err)

	require.NotNil(t, env.Payload)
	assert.Empty(t, env.Payload)
}

func TestEncodeStampsServerTs(t *testing.T) {
	raw, err := Line("hello").Encode()
	require.NoError(t, err)

	var out struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
		Meta    map[string]any `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))

	assert.Equal(t, TypeLine, out.Type)
	assert.Equal(t, "hello", out.Payload["content"])
	assert.Contains(t, out.Meta, "serverTs")
}

func TestInitOKShape(t *testing.T) {
	env := InitOK("P", "O", StatusRecovered, true, "sounds")

	assert.Equal(t, TypeInitOK, env.Type)
	assert.Equal(t, "P", env.Payload["publicId"])
	assert.Equal(t, "O", env.Payload["owner"])
	assert.Equal(t, StatusRecovered, env.Payload["status"])
	assert.Equal(t, true, env.Payload["hasHistory"])
	assert.Equal(t, "sounds", env.Payload["soundBase"])
}

func TestSessionInvalidShape(t *testing.T) {
	env := SessionInvalid(ReasonOwnerMismatch, "owner does not match")

	assert.Equal(t, TypeSessionInvalid, env.Type)
	assert.Equal(t, ReasonOwnerMismatch, env.Payload["reason"])
}
