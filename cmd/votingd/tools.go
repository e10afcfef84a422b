package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"secure-voting/encryption"
	"secure-voting/merkle"
	"secure-voting/models"
)

func init() {
	verifyProofCmd.Flags().String("hash", "", "ballot hash from the cast receipt")
	verifyProofCmd.Flags().String("proof", "", "inclusion proof JSON file")
	verifyProofCmd.Flags().String("root", "", "expected root; defaults to the root in the proof")
	_ = verifyProofCmd.MarkFlagRequired("hash")
	_ = verifyProofCmd.MarkFlagRequired("proof")

	unwrapShareCmd.Flags().String("session", "", "session id")
	unwrapShareCmd.Flags().String("share", "", "wrapped share record JSON file")
	unwrapShareCmd.Flags().String("key", "", "custodian private key hex file")
	_ = unwrapShareCmd.MarkFlagRequired("session")
	_ = unwrapShareCmd.MarkFlagRequired("share")
	_ = unwrapShareCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(verifyProofCmd, custodianKeygenCmd, unwrapShareCmd)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decode %s", path)
}

var verifyProofCmd = &cobra.Command{
	Use:   "verify-proof",
	Short: "Check a ballot inclusion proof offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, _ := cmd.Flags().GetString("hash")
		path, _ := cmd.Flags().GetString("proof")
		root, _ := cmd.Flags().GetString("root")

		var proof models.InclusionProof
		if err := readJSON(path, &proof); err != nil {
			return err
		}
		if root == "" {
			root = proof.Root
		}
		got, err := merkle.RootFromProof(strings.ToLower(hash), &proof)
		if err != nil {
			return err
		}
		if !merkle.Verify(strings.ToLower(hash), &proof, strings.ToLower(root)) {
			color.Red("✗ Proof does not match: recomputed %s, expected %s", got, root)
			return errors.New("proof verification failed")
		}
		color.Green("✓ Ballot %d of %d is included under root %s", proof.LeafIndex, proof.TreeSize, root)
		return nil
	},
}

var custodianKeygenCmd = &cobra.Command{
	Use:   "custodian-keygen",
	Short: "Generate a custodian key pair",
	Long:  "Prints the public key for the escrow configuration and the private key the custodian keeps offline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Printf("public:  %s\n", hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey)))
		fmt.Printf("private: %s\n", hex.EncodeToString(crypto.FromECDSA(key)))
		return nil
	},
}

var unwrapShareCmd = &cobra.Command{
	Use:   "unwrap-share",
	Short: "Decrypt a custodian's wrapped key share for submission",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		sharePath, _ := cmd.Flags().GetString("share")
		keyPath, _ := cmd.Flags().GetString("key")

		var rec models.KeyShareRecord
		if err := readJSON(sharePath, &rec); err != nil {
			return err
		}
		raw, err := os.ReadFile(keyPath)
		if err != nil {
			return err
		}
		priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"))
		if err != nil {
			return errors.Wrap(err, "custodian key")
		}
		share, err := encryption.NewCryptoService().UnwrapShare(priv, rec.EncryptedShare, sessionID, rec.CustodianID)
		if err != nil {
			return err
		}
		defer encryption.Wipe(share)
		out, err := json.Marshal(map[string]string{
			"custodianId": rec.CustodianID,
			"share":       base64.StdEncoding.EncodeToString(share),
		})
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
