package secure

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/encryptedmeshlink/station/internal/proto"
)

func TestKeyPairRoundTrip(t *testing.T) {
	t.Parallel()

	pubPEM, privPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	require.Contains(t, pubPEM, "PUBLIC KEY")
	require.Contains(t, privPEM, "PRIVATE KEY")

	require.NoError(t, ValidateKeyPair(pubPEM, privPEM))

	otherPub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	require.Error(t, ValidateKeyPair(otherPub, privPEM))
}

func TestContactInfoRoundTrip(t *testing.T) {
	t.Parallel()

	ci := proto.ContactInfo{
		IP:        "203.0.113.7",
		Port:      8447,
		PublicKey: "-----BEGIN PUBLIC KEY-----\nAA==\n-----END PUBLIC KEY-----\n",
		LastSeen:  1700000000000,
	}

	blob, err := EncryptContactInfo(ci, "swordfish")
	require.NoError(t, err)

	got, err := DecryptContactInfo(blob, "swordfish")
	require.NoError(t, err)
	require.Equal(t, ci, got)
}

func TestContactInfoWrongSecret(t *testing.T) {
	t.Parallel()

	blob, err := EncryptContactInfo(proto.ContactInfo{IP: "10.0.0.1", Port: 1}, "right")
	require.NoError(t, err)

	_, err = DecryptContactInfo(blob, "wrong")
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestContactInfoTampered(t *testing.T) {
	t.Parallel()

	blob, err := EncryptContactInfo(proto.ContactInfo{IP: "10.0.0.1", Port: 1}, "s")
	require.NoError(t, err)

	// Flip one base64 character somewhere past the nonce.
	b := []byte(blob)
	i := len(b) / 2
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}

	_, err = DecryptContactInfo(string(b), "s")
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestContactInfoGarbage(t *testing.T) {
	t.Parallel()

	_, err := DecryptContactInfo("not base64 !!!", "s")
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = DecryptContactInfo("AAAA", "s") // too short for a nonce
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	pubPEM, privPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	pub, err := ParsePublicKey(pubPEM)
	require.NoError(t, err)
	priv, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)

	ct, err := EncryptMessage([]byte("@bob hello across the world"), pub)
	require.NoError(t, err)
	require.NotContains(t, string(ct), "hello across")

	pt, err := DecryptMessage(ct, priv)
	require.NoError(t, err)
	require.Equal(t, "@bob hello across the world", string(pt))
}

func TestMessageWrongRecipient(t *testing.T) {
	t.Parallel()

	pubPEM, _, err := GenerateKeyPair()
	require.NoError(t, err)
	pub, err := ParsePublicKey(pubPEM)
	require.NoError(t, err)

	_, otherPriv, err := GenerateKeyPair()
	require.NoError(t, err)
	priv, err := ParsePrivateKey(otherPriv)
	require.NoError(t, err)

	ct, err := EncryptMessage([]byte("secret"), pub)
	require.NoError(t, err)

	_, err = DecryptMessage(ct, priv)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestMessageTruncated(t *testing.T) {
	t.Parallel()

	pubPEM, privPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	pub, err := ParsePublicKey(pubPEM)
	require.NoError(t, err)
	priv, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)

	ct, err := EncryptMessage([]byte("payload"), pub)
	require.NoError(t, err)

	_, err = DecryptMessage(ct[:10], priv)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = DecryptMessage(ct[:len(ct)-1], priv)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestSessionProof(t *testing.T) {
	t.Parallel()

	pubA, privA, err := GenerateKeyPair()
	require.NoError(t, err)
	pubB, privB, err := GenerateKeyPair()
	require.NoError(t, err)

	keyA, err := ParsePrivateKey(privA)
	require.NoError(t, err)
	keyB, err := ParsePrivateKey(privB)
	require.NoError(t, err)
	peerA, err := ParsePublicKey(pubA)
	require.NoError(t, err)
	peerB, err := ParsePublicKey(pubB)
	require.NoError(t, err)

	nonceA, err := NewNonce()
	require.NoError(t, err)
	nonceB, err := NewNonce()
	require.NoError(t, err)

	// A proves to B, B verifies with its own private key and A's public key.
	proof, err := SessionProof(keyA, peerB, "initiator", nonceA, nonceB)
	require.NoError(t, err)
	require.True(t, VerifySessionProof(keyB, peerA, "initiator", nonceA, nonceB, proof))

	// Direction label and nonce order both matter.
	require.False(t, VerifySessionProof(keyB, peerA, "responder", nonceA, nonceB, proof))
	require.False(t, VerifySessionProof(keyB, peerA, "initiator", nonceB, nonceA, proof))

	// A third party cannot verify or forge.
	_, privC, err := GenerateKeyPair()
	require.NoError(t, err)
	keyC, err := ParsePrivateKey(privC)
	require.NoError(t, err)
	require.False(t, VerifySessionProof(keyC, peerA, "initiator", nonceA, nonceB, proof))
}
