// Package escrow implements the voucher state machine: submit locks funds
// behind a voucher, redeem pays a merchant out of it and cancel returns it to
// the owner. Each call either commits completely or leaves no trace.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher-escrow/internal/ledger"
	"github.com/0gfoundation/0g-voucher-escrow/internal/store"
	"github.com/0gfoundation/0g-voucher-escrow/internal/voucher"
)

// ErrInvalidRequest marks malformed input rejected before any state is read.
var ErrInvalidRequest = errors.New("invalid request")

// VoucherStore is satisfied by store.Store.
type VoucherStore interface {
	AllocateAndInsert(ctx context.Context, v *voucher.Voucher) (voucher.ID, error)
	Get(ctx context.Context, id voucher.ID) (*voucher.Voucher, error)
	PutBack(ctx context.Context, id voucher.ID, v *voucher.Voucher) error
	Apply(ctx context.Context, id voucher.ID, fn store.Transition) (*voucher.Voucher, error)
	List(ctx context.Context) ([]store.Entry, error)
}

// Notifier delivers lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, ev voucher.Event) error
}

// Locker runs fn while no other escrow operation is in progress.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// SubmitRequest describes a new voucher. The caller becomes its owner.
type SubmitRequest struct {
	CurrencyID     voucher.CurrencyID
	Amount         uint256.Int
	ValidMerchants []common.Address
	RedeemableBy   common.Address
}

// Filter narrows Vouchers; zero-valued fields match everything.
type Filter struct {
	Owner        common.Address
	RedeemableBy common.Address
}

type Service struct {
	store    VoucherStore
	ledger   ledger.Ledger
	notifier Notifier
	locker   Locker
	policy   PartialRedemption
	log      *zap.Logger
}

func NewService(
	st VoucherStore,
	l ledger.Ledger,
	n Notifier,
	lk Locker,
	policy PartialRedemption,
	log *zap.Logger,
) *Service {
	return &Service{
		store:    st,
		ledger:   l,
		notifier: n,
		locker:   lk,
		policy:   policy,
		log:      log,
	}
}

// Submit reserves req.Amount from the caller's free balance and records a
// voucher for it.
func (s *Service) Submit(ctx context.Context, caller common.Address, req SubmitRequest) (voucher.ID, error) {
	if err := req.CurrencyID.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	v := &voucher.Voucher{
		CurrencyID:     req.CurrencyID,
		Amount:         req.Amount,
		Owner:          caller,
		ValidMerchants: append([]common.Address(nil), req.ValidMerchants...),
		RedeemableBy:   req.RedeemableBy,
	}

	var id voucher.ID
	err := s.locker.WithLock(ctx, voucher.EscrowLockKey, func(ctx context.Context) error {
		if err := s.ledger.Reserve(ctx, v.CurrencyID, caller, &v.Amount); err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
		var err error
		id, err = s.store.AllocateAndInsert(ctx, v)
		if err != nil {
			if uerr := s.ledger.Unreserve(ctx, v.CurrencyID, caller, &v.Amount); uerr != nil {
				s.log.Error("submit: release reservation after failed insert",
					zap.String("owner", caller.Hex()),
					zap.String("currency", string(v.CurrencyID)),
					zap.String("amount", v.Amount.Dec()),
					zap.Error(uerr),
				)
				return errors.Join(err, fmt.Errorf("release reservation: %w", uerr))
			}
			return err
		}
		s.log.Info("voucher submitted",
			zap.Uint64("voucher", uint64(id)),
			zap.String("owner", caller.Hex()),
			zap.String("currency", string(v.CurrencyID)),
			zap.String("amount", v.Amount.Dec()),
		)
		s.publish(ctx, voucher.Created{ID: id, Voucher: v.Clone()})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Redeem pays amount from voucher id to merchant. Only the voucher's
// redeemer may call it. What happens to the unredeemed remainder depends on
// the service's PartialRedemption policy.
func (s *Service) Redeem(ctx context.Context, caller common.Address, id voucher.ID, merchant common.Address, amount *uint256.Int) error {
	return s.locker.WithLock(ctx, voucher.EscrowLockKey, func(ctx context.Context) error {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := checkRedeem(cur, caller, merchant, amount); err != nil {
			return err
		}
		bal, err := s.ledger.Balance(ctx, cur.CurrencyID, cur.Owner)
		if err != nil {
			return fmt.Errorf("read reservation: %w", err)
		}
		if bal.Reserved.Lt(amount) {
			return voucher.ErrInsufficientBalance
		}

		var residual uint256.Int
		prev, err := s.store.Apply(ctx, id, func(v *voucher.Voucher) (*voucher.Voucher, error) {
			if err := checkRedeem(v, caller, merchant, amount); err != nil {
				return nil, err
			}
			residual.Sub(&v.Amount, amount)
			if residual.IsZero() || s.policy == Refund {
				return nil, nil
			}
			v.Amount = residual
			return v, nil
		})
		if err != nil {
			return err
		}

		shortfall, err := s.ledger.RepatriateReserved(ctx, prev.CurrencyID, prev.Owner, merchant, amount)
		if err == nil && !shortfall.IsZero() {
			moved := new(uint256.Int).Sub(amount, &shortfall)
			s.log.Error("redeem: reservation shortfall, taking back partial payment",
				zap.Uint64("voucher", uint64(id)),
				zap.String("owner", prev.Owner.Hex()),
				zap.String("merchant", merchant.Hex()),
				zap.String("requested", amount.Dec()),
				zap.String("moved", moved.Dec()),
			)
			err = voucher.ErrInsufficientBalance
			if !moved.IsZero() {
				if rerr := s.ledger.ReturnReserved(ctx, prev.CurrencyID, merchant, prev.Owner, moved); rerr != nil {
					s.log.Error("redeem: partial payment stuck with merchant, ledger needs reconciliation",
						zap.Uint64("voucher", uint64(id)),
						zap.String("merchant", merchant.Hex()),
						zap.String("moved", moved.Dec()),
						zap.Error(rerr),
					)
					err = errors.Join(err, fmt.Errorf("take back partial payment: %w", rerr))
				}
			}
		}
		if err != nil {
			return s.restore(ctx, "redeem", id, prev, err)
		}

		if s.policy == Refund && !residual.IsZero() {
			if uerr := s.ledger.Unreserve(ctx, prev.CurrencyID, prev.Owner, &residual); uerr != nil {
				// The merchant is paid and cannot be unpaid; keep the
				// remainder tracked so the owner can still cancel it.
				kept := prev.Clone()
				kept.Amount = residual
				s.log.Warn("redeem: refund of remainder failed, keeping it on the voucher",
					zap.Uint64("voucher", uint64(id)),
					zap.String("residual", residual.Dec()),
					zap.Error(uerr),
				)
				if perr := s.store.PutBack(ctx, id, kept); perr != nil {
					s.log.Error("redeem: track remainder", zap.Uint64("voucher", uint64(id)), zap.Error(perr))
				}
			}
		}

		s.log.Info("voucher redeemed",
			zap.Uint64("voucher", uint64(id)),
			zap.String("redeemer", caller.Hex()),
			zap.String("merchant", merchant.Hex()),
			zap.String("amount", amount.Dec()),
			zap.String("residual", residual.Dec()),
		)
		s.publish(ctx, voucher.Redeemed{
			Redeemer: caller,
			ID:       id,
			Voucher:  prev,
			Merchant: merchant,
			Amount:   *amount,
		})
		return nil
	})
}

// Cancel removes voucher id and releases its remaining amount to the owner.
// Only the owner may call it.
func (s *Service) Cancel(ctx context.Context, caller common.Address, id voucher.ID) error {
	return s.locker.WithLock(ctx, voucher.EscrowLockKey, func(ctx context.Context) error {
		prev, err := s.store.Apply(ctx, id, func(v *voucher.Voucher) (*voucher.Voucher, error) {
			if v == nil {
				return nil, voucher.ErrInvalidVoucherID
			}
			if v.Owner != caller {
				return nil, voucher.ErrNotOwner
			}
			return nil, nil
		})
		if err != nil {
			return err
		}
		if err := s.ledger.Unreserve(ctx, prev.CurrencyID, prev.Owner, &prev.Amount); err != nil {
			return s.restore(ctx, "cancel", id, prev, fmt.Errorf("release reservation: %w", err))
		}
		s.log.Info("voucher cancelled",
			zap.Uint64("voucher", uint64(id)),
			zap.String("owner", caller.Hex()),
			zap.String("released", prev.Amount.Dec()),
		)
		s.publish(ctx, voucher.Cancelled{ID: id})
		return nil
	})
}

// Voucher returns the live voucher with the given id.
func (s *Service) Voucher(ctx context.Context, id voucher.ID) (*voucher.Voucher, error) {
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, voucher.ErrInvalidVoucherID
	}
	return v, nil
}

// Vouchers lists live vouchers matching f.
func (s *Service) Vouchers(ctx context.Context, f Filter) ([]store.Entry, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]store.Entry, 0, len(all))
	for _, e := range all {
		if f.Owner != (common.Address{}) && e.Voucher.Owner != f.Owner {
			continue
		}
		if f.RedeemableBy != (common.Address{}) && e.Voucher.RedeemableBy != f.RedeemableBy {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// checkRedeem applies the redeem preconditions in order; the first failure wins.
func checkRedeem(v *voucher.Voucher, caller, merchant common.Address, amount *uint256.Int) error {
	switch {
	case v == nil:
		return voucher.ErrInvalidVoucherID
	case v.RedeemableBy != caller:
		return voucher.ErrInvalidCustomer
	case !v.AcceptsMerchant(merchant):
		return voucher.ErrInvalidMerchant
	case v.Amount.Lt(amount):
		return voucher.ErrAmountExceeded
	}
	return nil
}

// restore puts prev back after a failed ledger step and returns cause,
// joined with the restore error if that failed too.
func (s *Service) restore(ctx context.Context, op string, id voucher.ID, prev *voucher.Voucher, cause error) error {
	if err := s.store.PutBack(ctx, id, prev); err != nil {
		s.log.Error(op+": restore voucher after ledger failure",
			zap.Uint64("voucher", uint64(id)),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return errors.Join(cause, fmt.Errorf("restore voucher %s: %w", id, err))
	}
	return cause
}

func (s *Service) publish(ctx context.Context, ev voucher.Event) {
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.log.Error("publish event",
			zap.String("kind", string(ev.Kind())),
			zap.Uint64("voucher", uint64(ev.VoucherID())),
			zap.Error(err),
		)
	}
}
