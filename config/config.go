// Package config holds the daemon configuration model. Files are YAML or TOML;
// secrets and endpoints are overridden from VOTING_* environment variables.
package config

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"secure-voting/blockchain/anchor"
	"secure-voting/encryption"
	"secure-voting/escrow"
	"secure-voting/service"
)

type Config struct {
	Server      ServerConfig             `yaml:"server" toml:"server"`
	Log         LogConfig                `yaml:"log" toml:"log"`
	Storage     StorageConfig            `yaml:"storage" toml:"storage"`
	Escrow      EscrowConfig             `yaml:"escrow" toml:"escrow"`
	Anchor      AnchorConfig             `yaml:"anchor" toml:"anchor"`
	Session     SessionConfig            `yaml:"session" toml:"session"`
	Eligibility service.EligibilityRules `yaml:"eligibility" toml:"eligibility"`
	// MembersFile is the JSON or YAML member directory.
	MembersFile string `yaml:"membersFile" toml:"members_file"`
	// SignerKeyFile holds the tally signing key; created on first start.
	SignerKeyFile string `yaml:"signerKeyFile" toml:"signer_key_file"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
	// Format is "terminal" or "json".
	Format string `yaml:"format" toml:"format"`
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver       string `yaml:"driver" toml:"driver"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	SnapshotDir  string `yaml:"snapshotDir" toml:"snapshot_dir"`
	SnapshotKeep int    `yaml:"snapshotKeep" toml:"snapshot_keep"`
}

type CustodianConfig struct {
	ID string `yaml:"id" toml:"id"`
	// PublicKey is the hex encoded uncompressed secp256k1 key.
	PublicKey string `yaml:"publicKey" toml:"public_key"`
}

type EscrowConfig struct {
	RSABits              int               `yaml:"rsaBits" toml:"rsa_bits"`
	ReconstructionWindow time.Duration     `yaml:"reconstructionWindow" toml:"reconstruction_window"`
	RetentionPeriod      time.Duration     `yaml:"retentionPeriod" toml:"retention_period"`
	Threshold            int               `yaml:"threshold" toml:"threshold"`
	Custodians           []CustodianConfig `yaml:"custodians" toml:"custodians"`
}

type AnchorConfig struct {
	// Network is "simulated" or the name of an EVM network reached over RPCURL.
	Network               string        `yaml:"network" toml:"network"`
	RPCURL                string        `yaml:"rpcUrl" toml:"rpc_url"`
	ContractAddress       string        `yaml:"contractAddress" toml:"contract_address"`
	PrivateKey            string        `yaml:"-" toml:"-"`
	GasLimit              uint64        `yaml:"gasLimit" toml:"gas_limit"`
	FlushInterval         time.Duration `yaml:"flushInterval" toml:"flush_interval"`
	MaxAttempts           int           `yaml:"maxAttempts" toml:"max_attempts"`
	InitialBackoff        time.Duration `yaml:"initialBackoff" toml:"initial_backoff"`
	MaxBackoff            time.Duration `yaml:"maxBackoff" toml:"max_backoff"`
	RequiredConfirmations uint64        `yaml:"requiredConfirmations" toml:"required_confirmations"`
	ConfirmTimeout        time.Duration `yaml:"confirmTimeout" toml:"confirm_timeout"`
}

type SessionConfig struct {
	MinOptions       int           `yaml:"minOptions" toml:"min_options"`
	MixWindow        time.Duration `yaml:"mixWindow" toml:"mix_window"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval" toml:"snapshot_interval"`
	QueueSize        int           `yaml:"queueSize" toml:"queue_size"`
	QueueWorkers     int           `yaml:"queueWorkers" toml:"queue_workers"`
}

func Default() *Config {
	esc := escrow.DefaultConfig()
	anc := anchor.DefaultConfig()
	return &Config{
		Server: ServerConfig{Listen: ":8080"},
		Log:    LogConfig{Level: "info", Format: "terminal"},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DSN:          "data/voting.db",
			SnapshotDir:  "data/snapshots",
			SnapshotKeep: 24,
		},
		Escrow: EscrowConfig{
			RSABits:              esc.RSABits,
			ReconstructionWindow: esc.ReconstructionWindow,
			RetentionPeriod:      esc.RetentionPeriod,
			Threshold:            3,
		},
		Anchor: AnchorConfig{
			Network:               "simulated",
			FlushInterval:         anc.FlushInterval,
			MaxAttempts:           anc.MaxAttempts,
			InitialBackoff:        anc.InitialBackoff,
			MaxBackoff:            anc.MaxBackoff,
			RequiredConfirmations: anc.RequiredConfirmations,
			ConfirmTimeout:        anc.ConfirmTimeout,
		},
		Session: SessionConfig{
			MinOptions:       service.DefaultConfig().MinOptions,
			MixWindow:        service.DefaultConfig().MixWindow,
			SnapshotInterval: time.Minute,
			QueueSize:        1024,
			QueueWorkers:     4,
		},
		MembersFile:   "data/members.yaml",
		SignerKeyFile: "data/tally_signer.json",
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Escrow.RSABits < encryption.MinRSABits {
		return errors.Errorf("escrow.rsaBits %d below minimum %d", c.Escrow.RSABits, encryption.MinRSABits)
	}
	if c.Escrow.Threshold < 1 {
		return errors.New("escrow.threshold must be at least 1")
	}
	if n := len(c.Escrow.Custodians); n > 0 && c.Escrow.Threshold > n {
		return errors.Errorf("escrow.threshold %d exceeds %d custodians", c.Escrow.Threshold, n)
	}
	if c.Escrow.ReconstructionWindow <= 0 {
		return errors.New("escrow.reconstructionWindow must be positive")
	}
	if c.Anchor.InitialBackoff <= 0 || c.Anchor.MaxBackoff <= 0 {
		return errors.New("anchor backoff must be positive")
	}
	if c.Anchor.MaxBackoff < c.Anchor.InitialBackoff {
		return errors.New("anchor.maxBackoff is below anchor.initialBackoff")
	}
	if c.Anchor.FlushInterval <= 0 {
		return errors.New("anchor.flushInterval must be positive")
	}
	if c.Anchor.MaxAttempts < 1 {
		return errors.New("anchor.maxAttempts must be at least 1")
	}
	if c.Anchor.Network != "simulated" {
		if c.Anchor.RPCURL == "" {
			return errors.Errorf("anchor network %s needs an rpc url", c.Anchor.Network)
		}
		if c.Anchor.PrivateKey == "" {
			return errors.New("anchor signing key missing, set VOTING_ANCHOR_KEY")
		}
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for sqlite")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Log.Format {
	case "", "terminal", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Session.QueueWorkers < 1 {
		return errors.New("session.queueWorkers must be at least 1")
	}
	return nil
}

func (c *EscrowConfig) ServiceConfig() escrow.Config {
	return escrow.Config{
		RSABits:              c.RSABits,
		ReconstructionWindow: c.ReconstructionWindow,
		RetentionPeriod:      c.RetentionPeriod,
	}
}

// Parsed returns the configured custodians with decoded public keys.
func (c *EscrowConfig) Parsed() ([]escrow.Custodian, error) {
	out := make([]escrow.Custodian, 0, len(c.Custodians))
	for _, cc := range c.Custodians {
		raw, err := hex.DecodeString(strings.TrimPrefix(cc.PublicKey, "0x"))
		if err != nil {
			return nil, errors.Wrapf(err, "custodian %s public key", cc.ID)
		}
		pub, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "custodian %s public key", cc.ID)
		}
		out = append(out, escrow.Custodian{ID: cc.ID, PublicKey: pub})
	}
	return out, nil
}

func (c *AnchorConfig) ServiceConfig() anchor.Config {
	cfg := anchor.DefaultConfig()
	cfg.FlushInterval = c.FlushInterval
	cfg.MaxAttempts = c.MaxAttempts
	cfg.InitialBackoff = c.InitialBackoff
	cfg.MaxBackoff = c.MaxBackoff
	cfg.RequiredConfirmations = c.RequiredConfirmations
	cfg.ConfirmTimeout = c.ConfirmTimeout
	return cfg
}

func (c *AnchorConfig) EthereumConfig() anchor.EthereumConfig {
	return anchor.EthereumConfig{Network: c.Network, ContractAddress: c.ContractAddress, GasLimit: c.GasLimit}
}

func (c *SessionConfig) ManagerConfig() service.Config {
	return service.Config{MinOptions: c.MinOptions, MixWindow: c.MixWindow}
}
