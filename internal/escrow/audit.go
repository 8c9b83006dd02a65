package escrow

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/0gfoundation/0g-voucher-escrow/internal/voucher"
)

// Discrepancy is an owner whose reserved balance does not cover the sum of
// their live vouchers in one currency.
type Discrepancy struct {
	CurrencyID voucher.CurrencyID
	Owner      common.Address
	Vouchers   int
	Committed  uint256.Int // sum of live voucher amounts
	Reserved   uint256.Int
}

type holding struct {
	cur   voucher.CurrencyID
	owner common.Address
}

// Audit compares live vouchers against the ledger. Reserved balances may
// exceed the committed sum (the ledger can hold reservations for other
// purposes); only shortfalls are reported. It holds the escrow lock so no
// mutation lands between reading vouchers and reading balances.
func (s *Service) Audit(ctx context.Context) ([]Discrepancy, error) {
	var out []Discrepancy
	err := s.locker.WithLock(ctx, voucher.EscrowLockKey, func(ctx context.Context) error {
		var err error
		out, err = s.audit(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) audit(ctx context.Context) ([]Discrepancy, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sums := map[holding]*Discrepancy{}
	for _, e := range entries {
		k := holding{e.Voucher.CurrencyID, e.Voucher.Owner}
		d, ok := sums[k]
		if !ok {
			d = &Discrepancy{CurrencyID: k.cur, Owner: k.owner}
			sums[k] = d
		}
		d.Vouchers++
		if _, overflow := d.Committed.AddOverflow(&d.Committed, &e.Voucher.Amount); overflow {
			return nil, fmt.Errorf("committed sum overflows for %s/%s", k.cur, k.owner.Hex())
		}
	}

	var out []Discrepancy
	for k, d := range sums {
		bal, err := s.ledger.Balance(ctx, k.cur, k.owner)
		if err != nil {
			return nil, fmt.Errorf("read balance %s/%s: %w", k.cur, k.owner.Hex(), err)
		}
		if bal.Reserved.Lt(&d.Committed) {
			d.Reserved = bal.Reserved
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrencyID != out[j].CurrencyID {
			return out[i].CurrencyID < out[j].CurrencyID
		}
		return out[i].Owner.Cmp(out[j].Owner) < 0
	})
	return out, nil
}
