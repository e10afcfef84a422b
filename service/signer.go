package service

import (
	"crypto/ecdsa"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// SignerCredentials is the on-disk form of the tally signing key.
type SignerCredentials struct {
	Address    string `json:"address"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadOrGenerateSigner reads the tally signing key from path, creating and
// saving a fresh one when the file does not exist.
func LoadOrGenerateSigner(path string) (*ecdsa.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		var creds SignerCredentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, errors.Wrap(err, "parse signer credentials")
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(creds.PrivateKey, "0x"))
		if err != nil {
			return nil, errors.Wrap(err, "restore signer key")
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read signer credentials")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate signer key")
	}
	creds := SignerCredentials{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey)),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal signer credentials")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create signer directory")
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, errors.Wrap(err, "save signer credentials")
	}
	return key, nil
}
