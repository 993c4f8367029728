package bank

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc20ABI carries the two methods the reward custody account needs.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// EVMClient is the subset of the Ethereum RPC surface the account uses.
// *ethclient.Client satisfies it.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// DialEVM initialises an Ethereum RPC client for the provided endpoint.
func DialEVM(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("bank: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMConfig parameterises an on-chain custody account.
type EVMConfig struct {
	TokenAddress  string
	ChainID       *big.Int
	GasLimit      uint64
	Confirmations uint64
	PollInterval  time.Duration
}

// EVMAccount is a TokenAccount backed by an ERC-20 token contract. The
// custody address is derived from the signing key; Transfer submits a signed
// transfer transaction and blocks until the configured confirmation depth.
type EVMAccount struct {
	client        EVMClient
	token         common.Address
	custody       common.Address
	key           *ecdsa.PrivateKey
	abi           abi.ABI
	chainID       *big.Int
	gasLimit      uint64
	confirmations uint64
	pollInterval  time.Duration
}

// NewEVMAccount validates the configuration and constructs the account.
func NewEVMAccount(client EVMClient, key *ecdsa.PrivateKey, cfg EVMConfig) (*EVMAccount, error) {
	if client == nil {
		return nil, fmt.Errorf("bank: evm client required")
	}
	if key == nil {
		return nil, fmt.Errorf("bank: signing key required")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("bank: invalid token address %q", cfg.TokenAddress)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("bank: chain id required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("bank: parse erc20 abi: %w", err)
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 90_000
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &EVMAccount{
		client:        client,
		token:         common.HexToAddress(cfg.TokenAddress),
		custody:       gethcrypto.PubkeyToAddress(key.PublicKey),
		key:           key,
		abi:           parsed,
		chainID:       new(big.Int).Set(cfg.ChainID),
		gasLimit:      gasLimit,
		confirmations: cfg.Confirmations,
		pollInterval:  pollInterval,
	}, nil
}

// CustodyAddress returns the hex address the signing key controls.
func (a *EVMAccount) CustodyAddress() string {
	return a.custody.Hex()
}

// BalanceOf reads the ERC-20 balance of the supplied account.
func (a *EVMAccount) BalanceOf(ctx context.Context, account string) (*big.Int, error) {
	holder := a.custody
	if strings.TrimSpace(account) != "" {
		if !common.IsHexAddress(account) {
			return nil, fmt.Errorf("bank: invalid account address %q", account)
		}
		holder = common.HexToAddress(account)
	}
	data, err := a.abi.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("bank: pack balanceOf: %w", err)
	}
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("bank: call balanceOf: %w", err)
	}
	out, err := a.abi.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("bank: unpack balanceOf: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("bank: unexpected balanceOf result")
	}
	return balance, nil
}

// Transfer moves tokens from the custody account to the destination and
// returns the transaction hash once the configured confirmation depth is
// reached.
func (a *EVMAccount) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("bank: invalid destination address %q", to)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("bank: amount must be positive")
	}
	data, err := a.abi.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return "", fmt.Errorf("bank: pack transfer: %w", err)
	}
	nonce, err := a.client.PendingNonceAt(ctx, a.custody)
	if err != nil {
		return "", fmt.Errorf("bank: fetch nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("bank: suggest gas price: %w", err)
	}
	tx := gethtypes.NewTransaction(nonce, a.token, big.NewInt(0), a.gasLimit, gasPrice, data)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return "", fmt.Errorf("bank: sign transfer: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("bank: submit transfer: %w", err)
	}
	hash := signed.Hash()
	if err := a.waitConfirmed(ctx, hash); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (a *EVMAccount) waitConfirmed(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		switch {
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("bank: fetch receipt: %w", err)
		case receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("bank: transfer %s reverted", hash.Hex())
			}
			depth, err := a.confirmationDepth(ctx, receipt)
			if err != nil {
				return err
			}
			if depth >= a.confirmations {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *EVMAccount) confirmationDepth(ctx context.Context, receipt *gethtypes.Receipt) (uint64, error) {
	if a.confirmations == 0 {
		return 0, nil
	}
	header, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("bank: fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return 0, fmt.Errorf("bank: block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return 0, nil
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	if !depth.IsUint64() {
		return ^uint64(0), nil
	}
	return depth.Uint64(), nil
}
