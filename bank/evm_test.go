package bank

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type fakeEVMClient struct {
	balance *big.Int
	sent    []*gethtypes.Transaction
	receipt *gethtypes.Receipt
	head    *gethtypes.Header
}

func (c *fakeEVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return common.LeftPadBytes(c.balance.Bytes(), 32), nil
}

func (c *fakeEVMClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return uint64(len(c.sent)), nil
}

func (c *fakeEVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeEVMClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	c.sent = append(c.sent, tx)
	if c.receipt == nil {
		c.receipt = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}
	}
	c.receipt.TxHash = tx.Hash()
	return nil
}

func (c *fakeEVMClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if c.receipt == nil || c.receipt.TxHash != txHash {
		return nil, ethereum.NotFound
	}
	return c.receipt, nil
}

func (c *fakeEVMClient) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	if c.head != nil {
		return c.head, nil
	}
	return &gethtypes.Header{Number: big.NewInt(12)}, nil
}

func newTestAccount(t *testing.T, client EVMClient, confirmations uint64) *EVMAccount {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	account, err := NewEVMAccount(client, key, EVMConfig{
		TokenAddress:  "0x0000000000000000000000000000000000000abc",
		ChainID:       big.NewInt(1337),
		Confirmations: confirmations,
		PollInterval:  time.Millisecond,
	})
	require.NoError(t, err)
	return account
}

func TestEVMAccountConfigValidation(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	client := &fakeEVMClient{balance: big.NewInt(0)}

	_, err = NewEVMAccount(nil, key, EVMConfig{TokenAddress: "0x0000000000000000000000000000000000000abc", ChainID: big.NewInt(1)})
	require.Error(t, err)
	_, err = NewEVMAccount(client, nil, EVMConfig{TokenAddress: "0x0000000000000000000000000000000000000abc", ChainID: big.NewInt(1)})
	require.Error(t, err)
	_, err = NewEVMAccount(client, key, EVMConfig{TokenAddress: "not-an-address", ChainID: big.NewInt(1)})
	require.Error(t, err)
	_, err = NewEVMAccount(client, key, EVMConfig{TokenAddress: "0x0000000000000000000000000000000000000abc"})
	require.Error(t, err)
}

func TestEVMAccountBalanceOf(t *testing.T) {
	client := &fakeEVMClient{balance: big.NewInt(2500)}
	account := newTestAccount(t, client, 0)

	balance, err := account.BalanceOf(context.Background(), account.CustodyAddress())
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(2500)))

	_, err = account.BalanceOf(context.Background(), "bogus")
	require.Error(t, err)
}

func TestEVMAccountTransfer(t *testing.T) {
	client := &fakeEVMClient{balance: big.NewInt(2500)}
	account := newTestAccount(t, client, 1)

	hash, err := account.Transfer(context.Background(), "0x00000000000000000000000000000000000000aa", big.NewInt(100))
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	require.Equal(t, client.sent[0].Hash().Hex(), hash)
	require.Equal(t, account.token, *client.sent[0].To())

	_, err = account.Transfer(context.Background(), "bogus", big.NewInt(100))
	require.Error(t, err)
	_, err = account.Transfer(context.Background(), "0x00000000000000000000000000000000000000aa", big.NewInt(0))
	require.Error(t, err)
}

func TestEVMAccountTransferReverted(t *testing.T) {
	client := &fakeEVMClient{
		balance: big.NewInt(2500),
		receipt: &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(10)},
	}
	account := newTestAccount(t, client, 0)

	_, err := account.Transfer(context.Background(), "0x00000000000000000000000000000000000000aa", big.NewInt(100))
	require.ErrorContains(t, err, "reverted")
}
