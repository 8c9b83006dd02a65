// Package ledger holds free and reserved balances per (currency, account)
// and moves funds between them.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/0gfoundation/0g-voucher-escrow/internal/voucher"
)

// ErrBalanceOverflow is returned when a credit would not fit in 256 bits.
var ErrBalanceOverflow = errors.New("balance overflow")

// ErrInsufficientReservableBalance is the ledger's own reserve rejection; it
// is the same sentinel the escrow layer reports to callers.
var ErrInsufficientReservableBalance = voucher.ErrInsufficientReservableBalance

// Balance is the state of one (currency, account) pair.
type Balance struct {
	Free     uint256.Int
	Reserved uint256.Int
}

// Ledger is the reservation capability set the escrow state machine needs.
// Every method is atomic on its own.
type Ledger interface {
	// Reserve moves amount from free to reserved.
	Reserve(ctx context.Context, cur voucher.CurrencyID, who common.Address, amount *uint256.Int) error
	// Unreserve moves up to amount from reserved back to free.
	Unreserve(ctx context.Context, cur voucher.CurrencyID, who common.Address, amount *uint256.Int) error
	// RepatriateReserved moves up to amount of from's reserved balance into
	// to's free balance and returns the part that could not be moved.
	RepatriateReserved(ctx context.Context, cur voucher.CurrencyID, from, to common.Address, amount *uint256.Int) (shortfall uint256.Int, err error)
	// ReturnReserved moves exactly amount of from's free balance back into
	// to's reserved balance, undoing a repatriation. It moves nothing when
	// from cannot cover amount.
	ReturnReserved(ctx context.Context, cur voucher.CurrencyID, from, to common.Address, amount *uint256.Int) error
	Balance(ctx context.Context, cur voucher.CurrencyID, who common.Address) (Balance, error)
}
