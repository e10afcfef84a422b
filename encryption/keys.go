package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// MinRSABits is the smallest session key size accepted.
const MinRSABits = 2048

// KEKSize is the length of the key-encryption key in bytes (AES-256).
const KEKSize = 32

const kekInfo = "voting-session-kek"

// GenerateSessionKey creates the RSA key pair ballots are wrapped under.
func GenerateSessionKey(bits int) (*rsa.PrivateKey, error) {
	if bits < MinRSABits {
		return nil, errors.Errorf("rsa key size %d below minimum %d", bits, MinRSABits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.Wrap(err, "generate rsa key")
	}
	return key, nil
}

func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "marshal public key")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func ParsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("no PUBLIC KEY block in pem data")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse public key")
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("public key is %T, want rsa", parsed)
	}
	return pub, nil
}

// Fingerprint is the hex SHA-256 of the DER encoded public key.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "marshal public key")
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

func MarshalPrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "marshal pkcs8")
	}
	return der, nil
}

func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse pkcs8")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("private key is %T, want rsa", parsed)
	}
	return key, nil
}

// DeriveKEK stretches a shared secret into an AES-256 key, salted with the session id.
func DeriveKEK(secret []byte, sessionID string) ([]byte, error) {
	kek := make([]byte, KEKSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(sessionID), []byte(kekInfo)), kek); err != nil {
		return nil, errors.Wrap(err, "derive kek")
	}
	return kek, nil
}

// SealKey encrypts key material under a KEK. The session id is bound as associated data.
func SealKey(kek, plaintext []byte, sessionID string) (nonce, ciphertext []byte, err error) {
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, errors.Wrap(err, "read nonce")
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, []byte(sessionID)), nil
}

func OpenKey(kek, nonce, ciphertext []byte, sessionID string) ([]byte, error) {
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid kek nonce length")
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, []byte(sessionID))
	if err != nil {
		return nil, errors.Wrap(err, "open sealed key")
	}
	return pt, nil
}

// WipeKey overwrites the private parts of an RSA key in place.
func WipeKey(key *rsa.PrivateKey) {
	if key == nil {
		return
	}
	if key.D != nil {
		key.D.SetInt64(0)
	}
	for _, p := range key.Primes {
		p.SetInt64(0)
	}
	if key.Precomputed.Dp != nil {
		key.Precomputed.Dp.SetInt64(0)
	}
	if key.Precomputed.Dq != nil {
		key.Precomputed.Dq.SetInt64(0)
	}
	if key.Precomputed.Qinv != nil {
		key.Precomputed.Qinv.SetInt64(0)
	}
}

// Wipe zeroes a byte slice.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "gcm")
	}
	return gcm, nil
}
