package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "votingd.yaml", `
server:
  listen: ":9090"
storage:
  driver: memory
escrow:
  rsaBits: 3072
  reconstructionWindow: 10m
  threshold: 2
anchor:
  maxAttempts: 7
  initialBackoff: 2s
  maxBackoff: 1m
eligibility:
  requireDuesCurrent: true
  allowedRoles: [member, steward]
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.Server.Listen)
	assert.Equal(t, "memory", c.Storage.Driver)
	assert.Equal(t, 3072, c.Escrow.RSABits)
	assert.Equal(t, 10*time.Minute, c.Escrow.ReconstructionWindow)
	assert.Equal(t, 7, c.Anchor.MaxAttempts)
	assert.Equal(t, 2*time.Second, c.Anchor.InitialBackoff)
	assert.True(t, c.Eligibility.RequireDuesCurrent)
	assert.Equal(t, []string{"member", "steward"}, c.Eligibility.AllowedRoles)
	// untouched sections keep their defaults
	assert.Equal(t, Default().Anchor.RequiredConfirmations, c.Anchor.RequiredConfirmations)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "votingd.toml", `
members_file = "members.json"

[server]
listen = ":7070"

[escrow]
rsa_bits = 2048
threshold = 1

[anchor]
flush_interval = "30s"
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", c.Server.Listen)
	assert.Equal(t, "members.json", c.MembersFile)
	assert.Equal(t, 2048, c.Escrow.RSABits)
	assert.Equal(t, 30*time.Second, c.Anchor.FlushInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOTING_LISTEN", ":1234")
	t.Setenv("VOTING_DSN", "override.db")
	t.Setenv("VOTING_ANCHOR_NETWORK", "sepolia")
	t.Setenv("VOTING_RPC_URL", "http://127.0.0.1:8545")
	t.Setenv("VOTING_ANCHOR_KEY", "deadbeef")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":1234", c.Server.Listen)
	assert.Equal(t, "override.db", c.Storage.DSN)
	assert.Equal(t, "sepolia", c.Anchor.Network)
	assert.Equal(t, "deadbeef", c.Anchor.PrivateKey)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(c *Config){
		"small rsa":       func(c *Config) { c.Escrow.RSABits = 1024 },
		"zero threshold":  func(c *Config) { c.Escrow.Threshold = 0 },
		"threshold above": func(c *Config) { c.Escrow.Custodians = []CustodianConfig{{ID: "a"}, {ID: "b"}} },
		"zero backoff":    func(c *Config) { c.Anchor.InitialBackoff = 0 },
		"inverted backoff": func(c *Config) {
			c.Anchor.InitialBackoff = time.Minute
			c.Anchor.MaxBackoff = time.Second
		},
		"chain without key": func(c *Config) {
			c.Anchor.Network = "sepolia"
			c.Anchor.RPCURL = "http://localhost:8545"
		},
		"unknown driver": func(c *Config) { c.Storage.Driver = "postgres" },
		"unknown format": func(c *Config) { c.Log.Format = "xml" },
		"zero flush":     func(c *Config) { c.Anchor.FlushInterval = 0 },
	} {
		c := Default()
		mutate(c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestUnsupportedExtension(t *testing.T) {
	_, err := Load(writeFile(t, "votingd.ini", "x=1"))
	assert.ErrorContains(t, err, "unsupported extension")
}

func TestParsedCustodians(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	esc := EscrowConfig{Custodians: []CustodianConfig{
		{ID: "c1", PublicKey: "0x" + hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey))},
	}}
	custodians, err := esc.Parsed()
	require.NoError(t, err)
	require.Len(t, custodians, 1)
	assert.Equal(t, "c1", custodians[0].ID)
	assert.True(t, key.PublicKey.Equal(custodians[0].PublicKey))

	esc.Custodians[0].PublicKey = "zz"
	_, err = esc.Parsed()
	assert.Error(t, err)
}
