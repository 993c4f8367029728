package bank

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// MemoryAccount is an in-process TokenAccount used for local deployments and
// tests. Balances live in memory; transfer references are random UUIDs.
type MemoryAccount struct {
	mu       sync.Mutex
	custody  string
	balances map[string]*big.Int
}

// NewMemoryAccount creates an account ledger holding the given custody
// balance.
func NewMemoryAccount(custody string, balance *big.Int) *MemoryAccount {
	balances := make(map[string]*big.Int)
	if balance != nil {
		balances[custody] = new(big.Int).Set(balance)
	}
	return &MemoryAccount{custody: custody, balances: balances}
}

// Credit adds funds to the named account.
func (a *MemoryAccount) Credit(account string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[account] = new(big.Int).Add(a.balanceLocked(account), amount)
}

// BalanceOf reports the balance of the supplied account.
func (a *MemoryAccount) BalanceOf(ctx context.Context, account string) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.balanceLocked(account)), nil
}

// Transfer moves funds from custody to the destination account.
func (a *MemoryAccount) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("bank: amount must be positive")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	custody := a.balanceLocked(a.custody)
	if custody.Cmp(amount) < 0 {
		return "", fmt.Errorf("bank: insufficient custody balance")
	}
	a.balances[a.custody] = new(big.Int).Sub(custody, amount)
	a.balances[to] = new(big.Int).Add(a.balanceLocked(to), amount)
	return uuid.NewString(), nil
}

func (a *MemoryAccount) balanceLocked(account string) *big.Int {
	if balance, ok := a.balances[account]; ok {
		return balance
	}
	return big.NewInt(0)
}
