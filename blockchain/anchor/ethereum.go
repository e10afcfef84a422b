package anchor

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
)

const (
	anchorMethod = "anchorRoot"
	anchorABI    = `[{"type":"function","name":"anchorRoot","stateMutability":"nonpayable","inputs":[{"name":"root","type":"bytes32"},{"name":"metadataHash","type":"bytes32"}],"outputs":[]}]`
)

//go:generate mockgen -destination=mock_chain_client_test.go -package=anchor secure-voting/blockchain/anchor ChainClient

// ChainClient is the subset of ethclient.Client used for anchoring.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type EthereumConfig struct {
	Network         string
	ContractAddress string
	// GasLimit of 0 means estimate per transaction.
	GasLimit uint64
}

// EthereumSubmitter sends anchorRoot(bytes32,bytes32) transactions to an EVM contract.
type EthereumSubmitter struct {
	client   ChainClient
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	network  string
	gasLimit uint64
	abi      abi.ABI
	log      log.Logger
	closer   func()

	mu      sync.Mutex // one nonce at a time
	chainID *big.Int
}

func NewEthereumSubmitter(client ChainClient, key *ecdsa.PrivateKey, cfg EthereumConfig) (*EthereumSubmitter, error) {
	if key == nil {
		return nil, errors.New("anchor signing key is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, errors.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(anchorABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse anchor ABI")
	}
	network := cfg.Network
	if network == "" {
		network = "ethereum"
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &EthereumSubmitter{
		client:   client,
		key:      key,
		from:     from,
		contract: common.HexToAddress(cfg.ContractAddress),
		network:  network,
		gasLimit: cfg.GasLimit,
		abi:      parsed,
		log:      log.New("module", "anchor", "network", network, "from", from.Hex()),
	}, nil
}

// Dial connects to an RPC endpoint and builds a submitter signing with keyHex.
func Dial(ctx context.Context, rpcURL, keyHex string, cfg EthereumConfig) (*EthereumSubmitter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse anchor signing key")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rpcURL)
	}
	s, err := NewEthereumSubmitter(client, key, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	s.closer = client.Close
	return s, nil
}

func (s *EthereumSubmitter) Close() {
	if s.closer != nil {
		s.closer()
	}
}

func (s *EthereumSubmitter) Network() string { return s.network }

func (s *EthereumSubmitter) ContractAddress() string { return s.contract.Hex() }

func (s *EthereumSubmitter) Method() string { return anchorMethod }

func (s *EthereumSubmitter) From() common.Address { return s.from }

func toBytes32(name, h string) ([32]byte, error) {
	var out [32]byte
	b := common.FromHex(h)
	if len(b) != 32 {
		return out, errors.Errorf("%s must be 32 bytes, got %d", name, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Calldata packs the anchorRoot call for the given hex hashes.
func (s *EthereumSubmitter) Calldata(merkleRoot, metadataHash string) ([]byte, error) {
	root, err := toBytes32("merkle root", merkleRoot)
	if err != nil {
		return nil, err
	}
	meta, err := toBytes32("metadata hash", metadataHash)
	if err != nil {
		return nil, err
	}
	data, err := s.abi.Pack(anchorMethod, root, meta)
	if err != nil {
		return nil, errors.Wrap(err, "pack anchorRoot")
	}
	return data, nil
}

func (s *EthereumSubmitter) Submit(ctx context.Context, merkleRoot, metadataHash string) (string, error) {
	data, err := s.Calldata(merkleRoot, metadataHash)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chainID == nil {
		id, err := s.client.ChainID(ctx)
		if err != nil {
			return "", errors.Wrap(err, "chain id")
		}
		s.chainID = id
	}
	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return "", errors.Wrap(err, "pending nonce")
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", errors.Wrap(err, "suggest gas price")
	}
	gas := s.gasLimit
	if gas == 0 {
		gas, err = s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &s.contract, GasPrice: gasPrice, Data: data})
		if err != nil {
			return "", errors.Wrap(err, "estimate gas")
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &s.contract,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return "", errors.Wrap(err, "sign anchor transaction")
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return "", errors.Wrap(err, "send anchor transaction")
	}
	s.log.Debug("Sent anchor transaction", "tx", signed.Hash().Hex(), "nonce", nonce, "gas", gas)
	return signed.Hash().Hex(), nil
}

func (s *EthereumSubmitter) Confirmations(ctx context.Context, txHash string) (uint64, uint64, error) {
	receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, errors.Wrap(err, "transaction receipt")
	}
	if receipt.BlockNumber == nil {
		return 0, 0, nil
	}
	block := receipt.BlockNumber.Uint64()
	if receipt.Status == types.ReceiptStatusFailed {
		return 0, block, errors.Wrapf(ErrTxReverted, "tx %s in block %d", txHash, block)
	}
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, block, errors.Wrap(err, "block number")
	}
	if head < block {
		return 0, block, nil
	}
	return head - block + 1, block, nil
}
