package encryption

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// CryptoService bundles the secp256k1 primitives used outside ballot sealing:
// custodian share wrapping, result and finding signatures, and voter pseudonyms.
type CryptoService struct{}

func NewCryptoService() *CryptoService {
	return &CryptoService{}
}

// GenerateKeyPair generates a new secp256k1 key pair
func (cs *CryptoService) GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// GenerateSalt returns 32 random bytes
func (cs *CryptoService) GenerateSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "read salt")
	}
	return salt, nil
}

// Keccak256 computes Keccak-256 hash
func (cs *CryptoService) Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// VoterHash derives the pseudonymous voter identifier stored with a ballot.
// The per-session salt keeps hashes unlinkable across sessions.
func (cs *CryptoService) VoterHash(sessionID string, salt []byte, memberID string) string {
	return hex.EncodeToString(cs.Keccak256([]byte(sessionID), salt, []byte(memberID)))
}

// Sign creates a digital signature of data using private key
func (cs *CryptoService) Sign(data []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(cs.Keccak256(data), privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "sign")
	}
	return sig, nil
}

// VerifySignature verifies the signature of data using public key
func (cs *CryptoService) VerifySignature(data, signature []byte, publicKey *ecdsa.PublicKey) bool {
	if publicKey == nil || len(signature) != crypto.SignatureLength {
		return false
	}
	sigPublicKey, err := crypto.SigToPub(cs.Keccak256(data), signature)
	if err != nil {
		return false
	}
	return sigPublicKey.X.Cmp(publicKey.X) == 0 && sigPublicKey.Y.Cmp(publicKey.Y) == 0
}

// FromECDSAPub serializes public key to bytes
func (cs *CryptoService) FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return crypto.FromECDSAPub(pub)
}

// UnmarshalPubkey parses an uncompressed secp256k1 public key.
func (cs *CryptoService) UnmarshalPubkey(raw []byte) (*ecdsa.PublicKey, error) {
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse secp256k1 public key")
	}
	return pub, nil
}

// Address returns the hex account address of a public key.
func (cs *CryptoService) Address(pub *ecdsa.PublicKey) string {
	return crypto.PubkeyToAddress(*pub).Hex()
}

// shareContext binds a wrapped share to one session and one custodian.
func shareContext(sessionID, custodianID string) []byte {
	return []byte("voting-share|" + sessionID + "|" + custodianID)
}

// WrapForCustodian encrypts a secret share so only the custodian's key can open it.
func (cs *CryptoService) WrapForCustodian(pub *ecdsa.PublicKey, share []byte, sessionID, custodianID string) ([]byte, error) {
	if pub == nil {
		return nil, errors.New("custodian public key missing")
	}
	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), share, shareContext(sessionID, custodianID), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "wrap share for custodian %s", custodianID)
	}
	return ct, nil
}

// UnwrapShare is run on the custodian side to recover its plaintext share.
func (cs *CryptoService) UnwrapShare(priv *ecdsa.PrivateKey, wrapped []byte, sessionID, custodianID string) ([]byte, error) {
	pt, err := ecies.ImportECDSA(priv).Decrypt(wrapped, shareContext(sessionID, custodianID), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "unwrap share for custodian %s", custodianID)
	}
	return pt, nil
}
