package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"secure-voting/models"
)

const contentKeySize = 32

// SealedBallot is the output of sealing one payload. Payload is the wrapped
// content key followed by the GCM ciphertext without its tag.
type SealedBallot struct {
	Payload []byte
	IV      []byte
	Tag     []byte
	Hash    string
}

// BallotEngine seals ballots under a session public key and opens them with the
// reconstructed private key.
type BallotEngine struct {
	log log.Logger
}

func NewBallotEngine() *BallotEngine {
	return &BallotEngine{log: log.New("module", "ballot")}
}

// BallotHash is hex(SHA-256(payload || iv || tag)).
func BallotHash(payload, iv, tag []byte) string {
	h := sha256.New()
	h.Write(payload)
	h.Write(iv)
	h.Write(tag)
	return hex.EncodeToString(h.Sum(nil))
}

// Seal validates and encrypts a payload. The session id is used as the OAEP
// label and as GCM associated data, so a ballot cannot be replayed into another session.
func (e *BallotEngine) Seal(sessionID string, pub *rsa.PublicKey, payload *models.BallotPayload) (*SealedBallot, error) {
	plaintext, err := models.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	contentKey := make([]byte, contentKeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, errors.Wrap(err, "read content key")
	}
	defer Wipe(contentKey)

	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "read iv")
	}
	sealed := gcm.Seal(nil, iv, plaintext, []byte(sessionID))
	split := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:split], sealed[split:]

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, contentKey, []byte(sessionID))
	if err != nil {
		return nil, errors.Wrap(err, "wrap content key")
	}

	out := &SealedBallot{
		Payload: append(wrapped, ciphertext...),
		IV:      iv,
		Tag:     append([]byte(nil), tag...),
	}
	out.Hash = BallotHash(out.Payload, out.IV, out.Tag)
	e.log.Debug("Sealed ballot", "session", sessionID, "hash", out.Hash)
	return out, nil
}

// Open reverses Seal. Any modification of payload, iv or tag fails authentication.
func (e *BallotEngine) Open(sessionID string, priv *rsa.PrivateKey, payload, iv, tag []byte) (*models.BallotPayload, error) {
	size := priv.Size()
	if len(payload) < size {
		return nil, errors.Errorf("encrypted payload shorter than wrapped key (%d < %d)", len(payload), size)
	}
	contentKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, payload[:size], []byte(sessionID))
	if err != nil {
		return nil, errors.Wrap(err, "unwrap content key")
	}
	defer Wipe(contentKey)

	gcm, err := newGCM(contentKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return nil, errors.New("invalid iv or tag length")
	}
	sealed := make([]byte, 0, len(payload)-size+len(tag))
	sealed = append(sealed, payload[size:]...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, []byte(sessionID))
	if err != nil {
		return nil, errors.Wrap(err, "decrypt ballot")
	}
	return models.UnmarshalPayload(plaintext)
}
