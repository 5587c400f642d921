package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	token, err := Seal("char-1|sess-1", "some-key")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	payload, err := Open(token, "some-key")
	require.NoError(t, err)
	assert.Equal(t, "char-1|sess-1", payload)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	token, err := Seal("payload", "key-a")
	require.NoError(t, err)

	_, err = Open(token, "key-b")
	assert.Error(t, err)
}

func TestOpenGarbageFails(t *testing.T) {
	_, err := Open("not-hex!", "key")
	assert.Error(t, err)

	_, err = Open("abcd", "key")
	assert.Error(t, err)
}

func TestSealIsNonDeterministic(t *testing.T) {
	a, err := Seal("same", "key")
	require.NoError(t, err)
	b, err := Seal("same", "key")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHexKeyAcceptedDirectly(t *testing.T) {
	hexKey := "000102030405060708090a0b0c0d0e0f"
	token, err := Seal("payload", hexKey)
	require.NoError(t, err)
	payload, err := Open(token, hexKey)
	require.NoError(t, err)
	assert.Equal(t, "payload", payload)
}
