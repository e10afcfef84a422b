package encryption

import (
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-voting/models"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func sessionKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = GenerateSessionKey(MinRSABits)
		require.NoError(t, err)
	})
	return testKey
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := sessionKey(t)
	engine := NewBallotEngine()

	payloads := []*models.BallotPayload{
		{Version: 1, OptionID: "yes", Weight: 1},
		{Version: 1, OptionID: "no", Weight: 3},
		{Version: 1, OptionID: "option-with-a-much-longer-identifier", Weight: 1, Metadata: map[string]string{"unit": "local 12", "shift": "night"}},
	}
	for _, p := range payloads {
		sealed, err := engine.Seal("session-1", &key.PublicKey, p)
		require.NoError(t, err)
		assert.Len(t, sealed.IV, 12)
		assert.Len(t, sealed.Tag, 16)
		assert.Equal(t, BallotHash(sealed.Payload, sealed.IV, sealed.Tag), sealed.Hash)

		got, err := engine.Open("session-1", key, sealed.Payload, sealed.IV, sealed.Tag)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestSealUsesFreshIV(t *testing.T) {
	key := sessionKey(t)
	engine := NewBallotEngine()
	p := &models.BallotPayload{Version: 1, OptionID: "yes", Weight: 1}

	a, err := engine.Seal("s", &key.PublicKey, p)
	require.NoError(t, err)
	b, err := engine.Seal("s", &key.PublicKey, p)
	require.NoError(t, err)
	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestSealRejectsInvalidPayload(t *testing.T) {
	key := sessionKey(t)
	_, err := NewBallotEngine().Seal("s", &key.PublicKey, &models.BallotPayload{Version: 1, Weight: 1})
	assert.Error(t, err)
}

func TestBitFlipChangesHashAndFailsOpen(t *testing.T) {
	key := sessionKey(t)
	engine := NewBallotEngine()
	sealed, err := engine.Seal("s", &key.PublicKey, &models.BallotPayload{Version: 1, OptionID: "yes", Weight: 1})
	require.NoError(t, err)

	// one flip in the wrapped key, one in the body
	for _, pos := range []int{10, len(sealed.Payload) - 1} {
		tampered := append([]byte(nil), sealed.Payload...)
		tampered[pos] ^= 0x01
		assert.NotEqual(t, sealed.Hash, BallotHash(tampered, sealed.IV, sealed.Tag))
		_, err := engine.Open("s", key, tampered, sealed.IV, sealed.Tag)
		assert.Error(t, err)
	}
}

func TestOpenWrongSession(t *testing.T) {
	key := sessionKey(t)
	engine := NewBallotEngine()
	sealed, err := engine.Seal("s1", &key.PublicKey, &models.BallotPayload{Version: 1, OptionID: "yes", Weight: 1})
	require.NoError(t, err)
	_, err = engine.Open("s2", key, sealed.Payload, sealed.IV, sealed.Tag)
	assert.Error(t, err)
}

func TestGenerateSessionKeyMinimum(t *testing.T) {
	_, err := GenerateSessionKey(1024)
	assert.Error(t, err)
}

func TestPEMAndFingerprint(t *testing.T) {
	key := sessionKey(t)
	pemData, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKeyPEM(pemData)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))

	fp1, err := Fingerprint(&key.PublicKey)
	require.NoError(t, err)
	fp2, err := Fingerprint(pub)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)

	_, err = ParsePublicKeyPEM("garbage")
	assert.Error(t, err)
}

func TestSealKeyUnderKEK(t *testing.T) {
	key := sessionKey(t)
	der, err := MarshalPrivateKey(key)
	require.NoError(t, err)

	kek, err := DeriveKEK([]byte("scalar-bytes"), "session-1")
	require.NoError(t, err)
	nonce, ct, err := SealKey(kek, der, "session-1")
	require.NoError(t, err)

	pt, err := OpenKey(kek, nonce, ct, "session-1")
	require.NoError(t, err)
	parsed, err := ParsePrivateKey(pt)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(key))

	otherKEK, err := DeriveKEK([]byte("scalar-bytes"), "session-2")
	require.NoError(t, err)
	assert.NotEqual(t, kek, otherKEK)
	_, err = OpenKey(otherKEK, nonce, ct, "session-1")
	assert.Error(t, err)
}

func TestWipeKey(t *testing.T) {
	key, err := ParsePrivateKey(mustMarshal(t, sessionKey(t)))
	require.NoError(t, err)
	WipeKey(key)
	assert.Zero(t, key.D.Sign())
	for _, p := range key.Primes {
		assert.Zero(t, p.Sign())
	}
	WipeKey(nil)
}

func mustMarshal(t *testing.T, key *rsa.PrivateKey) []byte {
	der, err := MarshalPrivateKey(key)
	require.NoError(t, err)
	return der
}

func TestCustodianShareWrapping(t *testing.T) {
	cs := NewCryptoService()
	custodian, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	other, err := cs.GenerateKeyPair()
	require.NoError(t, err)

	share := []byte("thirty-two-byte-share-material!!")
	wrapped, err := cs.WrapForCustodian(&custodian.PublicKey, share, "s1", "alice")
	require.NoError(t, err)

	got, err := cs.UnwrapShare(custodian, wrapped, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, share, got)

	_, err = cs.UnwrapShare(other, wrapped, "s1", "alice")
	assert.Error(t, err, "another custodian's key")
	_, err = cs.UnwrapShare(custodian, wrapped, "s1", "bob")
	assert.Error(t, err, "share bound to a different custodian id")
	_, err = cs.UnwrapShare(custodian, wrapped, "s2", "alice")
	assert.Error(t, err, "share bound to a different session")
}

func TestSignVerify(t *testing.T) {
	cs := NewCryptoService()
	key, err := cs.GenerateKeyPair()
	require.NoError(t, err)

	sig, err := cs.Sign([]byte("tally"), key)
	require.NoError(t, err)
	assert.True(t, cs.VerifySignature([]byte("tally"), sig, &key.PublicKey))
	assert.False(t, cs.VerifySignature([]byte("tallx"), sig, &key.PublicKey))
	assert.False(t, cs.VerifySignature([]byte("tally"), sig[:10], &key.PublicKey))

	pub, err := cs.UnmarshalPubkey(cs.FromECDSAPub(&key.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, cs.Address(&key.PublicKey), cs.Address(pub))
}

func TestVoterHash(t *testing.T) {
	cs := NewCryptoService()
	salt, err := cs.GenerateSalt()
	require.NoError(t, err)
	a := cs.VoterHash("s1", salt, "m1")
	assert.Equal(t, a, cs.VoterHash("s1", salt, "m1"))
	assert.NotEqual(t, a, cs.VoterHash("s2", salt, "m1"))
	assert.NotEqual(t, a, cs.VoterHash("s1", salt, "m2"))
}
