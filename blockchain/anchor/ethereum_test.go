package anchor

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

var (
	testRoot = "0x" + strings.Repeat("ab", 32)
	testMeta = "0x" + strings.Repeat("cd", 32)
)

func newTestSubmitter(t *testing.T, gasLimit uint64) (*EthereumSubmitter, *MockChainClient) {
	t.Helper()
	ctrl := gomock.NewController(t)
	client := NewMockChainClient(ctrl)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewEthereumSubmitter(client, key, EthereumConfig{Network: "sepolia", ContractAddress: testContract, GasLimit: gasLimit})
	require.NoError(t, err)
	return s, client
}

func TestEthereumSubmitSignsAnchorCall(t *testing.T) {
	s, client := newTestSubmitter(t, 0)
	chainID := big.NewInt(11155111)

	client.EXPECT().ChainID(gomock.Any()).Return(chainID, nil).Times(1)
	client.EXPECT().PendingNonceAt(gomock.Any(), s.From()).Return(uint64(7), nil).Times(2)
	client.EXPECT().SuggestGasPrice(gomock.Any()).Return(big.NewInt(2_000_000_000), nil).Times(2)
	client.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
		assert.Equal(t, common.HexToAddress(testContract), *msg.To)
		return uint64(48_000), nil
	}).Times(2)

	var sent []*types.Transaction
	client.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, tx *types.Transaction) error {
		sent = append(sent, tx)
		return nil
	}).Times(2)

	hash, err := s.Submit(context.Background(), testRoot, testMeta)
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), testRoot, testMeta)
	require.NoError(t, err)

	require.Len(t, sent, 2)
	tx := sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(48_000), tx.Gas())
	assert.Equal(t, common.HexToAddress(testContract), *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, s.From(), sender)

	method := s.abi.Methods[anchorMethod]
	assert.True(t, bytes.Equal(method.ID, tx.Data()[:4]))
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 2)
	root := args[0].([32]byte)
	assert.Equal(t, common.FromHex(testRoot), root[:])
}

func TestEthereumSubmitUsesFixedGasLimit(t *testing.T) {
	s, client := newTestSubmitter(t, 90_000)
	client.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(1), nil)
	client.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).Return(uint64(0), nil)
	client.EXPECT().SuggestGasPrice(gomock.Any()).Return(big.NewInt(1), nil)
	client.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, tx *types.Transaction) error {
		assert.Equal(t, uint64(90_000), tx.Gas())
		return nil
	})
	_, err := s.Submit(context.Background(), testRoot, testMeta)
	require.NoError(t, err)
}

func TestEthereumSubmitPropagatesSendFailure(t *testing.T) {
	s, client := newTestSubmitter(t, 90_000)
	client.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(1), nil)
	client.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).Return(uint64(0), nil)
	client.EXPECT().SuggestGasPrice(gomock.Any()).Return(big.NewInt(1), nil)
	client.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(errors.New("nonce too low"))

	_, err := s.Submit(context.Background(), testRoot, testMeta)
	assert.ErrorContains(t, err, "nonce too low")
}

func TestEthereumSubmitRejectsMalformedHashes(t *testing.T) {
	s, _ := newTestSubmitter(t, 0)
	_, err := s.Submit(context.Background(), "0x1234", testMeta)
	assert.Error(t, err)
	_, err = s.Submit(context.Background(), testRoot, "zz")
	assert.Error(t, err)
}

func TestEthereumConfirmations(t *testing.T) {
	s, client := newTestSubmitter(t, 0)
	pending := common.HexToHash("0x01")
	mined := common.HexToHash("0x02")
	reverted := common.HexToHash("0x03")

	client.EXPECT().TransactionReceipt(gomock.Any(), pending).Return(nil, ethereum.NotFound)
	client.EXPECT().TransactionReceipt(gomock.Any(), mined).Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}, nil)
	client.EXPECT().TransactionReceipt(gomock.Any(), reverted).Return(&types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(101)}, nil)
	client.EXPECT().BlockNumber(gomock.Any()).Return(uint64(105), nil)

	confs, block, err := s.Confirmations(context.Background(), pending.Hex())
	require.NoError(t, err)
	assert.Zero(t, confs)
	assert.Zero(t, block)

	confs, block, err = s.Confirmations(context.Background(), mined.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), confs)
	assert.Equal(t, uint64(100), block)

	_, _, err = s.Confirmations(context.Background(), reverted.Hex())
	assert.True(t, errors.Is(err, ErrTxReverted))
}

func TestNewEthereumSubmitterValidates(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = NewEthereumSubmitter(nil, key, EthereumConfig{ContractAddress: "not-an-address"})
	assert.Error(t, err)
	_, err = NewEthereumSubmitter(nil, nil, EthereumConfig{ContractAddress: testContract})
	assert.Error(t, err)
}
