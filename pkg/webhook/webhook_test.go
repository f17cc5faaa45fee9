package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	codec, err := NewCodecFromPassword("swordfish")
	require.NoError(t, err)

	cred := &Credential{User: "alice", Project: "p1", Trusts: []string{"trust-1"}}
	sealed, err := codec.Encrypt(cred)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "alice")

	got, err := codec.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, cred, got)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	codec1, err := NewCodecFromPassword("one")
	require.NoError(t, err)
	codec2, err := NewCodecFromPassword("two")
	require.NoError(t, err)

	sealed, err := codec1.Encrypt(&Credential{User: "alice", Project: "p1"})
	require.NoError(t, err)

	_, err = codec2.Decrypt(sealed)
	assert.Error(t, err)
}

func TestDecryptGarbage(t *testing.T) {
	codec, err := NewCodecFromPassword("swordfish")
	require.NoError(t, err)

	_, err = codec.Decrypt(nil)
	assert.Error(t, err)
	_, err = codec.Decrypt([]byte("short"))
	assert.Error(t, err)
}

func TestNewCodecKeyLength(t *testing.T) {
	_, err := NewCodec(make([]byte, 16))
	assert.Error(t, err)
	_, err = NewCodec(make([]byte, 32))
	assert.NoError(t, err)
	_, err = NewCodecFromPassword("")
	assert.Error(t, err)
}
