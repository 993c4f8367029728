// Package bank defines the token account collaborator consumed by the reward
// ledger. Balance inspection and value transfer are external concerns; the
// ledger only depends on this narrow surface.
package bank

import (
	"context"
	"math/big"
)

// TokenAccount captures the functionality the ledger requires from the asset
// that backs survey rewards.
type TokenAccount interface {
	// BalanceOf reports the balance held by the given account.
	BalanceOf(ctx context.Context, account string) (*big.Int, error)
	// Transfer moves amount from the ledger's custody to the destination and
	// returns an opaque transaction reference.
	Transfer(ctx context.Context, to string, amount *big.Int) (string, error)
}

// FuncAccount adapts callback functions to the TokenAccount interface.
type FuncAccount struct {
	BalanceFunc  func(ctx context.Context, account string) (*big.Int, error)
	TransferFunc func(ctx context.Context, to string, amount *big.Int) (string, error)
}

// BalanceOf delegates to the configured callback.
func (a FuncAccount) BalanceOf(ctx context.Context, account string) (*big.Int, error) {
	if a.BalanceFunc == nil {
		return big.NewInt(0), nil
	}
	return a.BalanceFunc(ctx, account)
}

// Transfer delegates to the configured callback.
func (a FuncAccount) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if a.TransferFunc == nil {
		return "", nil
	}
	return a.TransferFunc(ctx, to, amount)
}
