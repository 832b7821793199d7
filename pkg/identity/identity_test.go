package identity

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Ephemeral(t *testing.T) {
	id, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, id.PrivKey)
	assert.NoError(t, id.PeerID.Validate())

	other, err := Load("")
	require.NoError(t, err)
	assert.NotEqual(t, id.PeerID, other.PeerID)
}

func TestLoad_FromFile(t *testing.T) {
	priv, _, err := libp2pCrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	keyBytes, err := libp2pCrypto.MarshalPrivateKey(priv)
	require.NoError(t, err)

	keyFile := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(keyFile, keyBytes, 0600))

	id, err := Load(keyFile)
	require.NoError(t, err)
	assert.True(t, id.PrivKey.Equals(priv))

	again, err := Load(keyFile)
	require.NoError(t, err)
	assert.Equal(t, id.PeerID, again.PeerID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestLoad_CorruptFile(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("garbage"), 0600))

	_, err := Load(keyFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding key file")
}
