package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-voucher-escrow/internal/voucher"
)

const (
	balanceKeyFmt = "ledger:balance:%s:%s" // %s = currency, lowercase account hex
	maxTxRetries  = 16
)

// ErrContention is returned when an update kept losing its optimistic lock.
var ErrContention = errors.New("ledger: too much contention, giving up")

func balanceKey(cur voucher.CurrencyID, who common.Address) string {
	return fmt.Sprintf(balanceKeyFmt, cur, strings.ToLower(who.Hex()))
}

// RedisLedger keeps each balance in a Redis hash {free, reserved} and
// updates it with WATCH/MULTI/EXEC so concurrent writers never interleave.
type RedisLedger struct {
	rdb *redis.Client
}

func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

// Deposit credits amount to who's free balance.
func (l *RedisLedger) Deposit(ctx context.Context, cur voucher.CurrencyID, who common.Address, amount *uint256.Int) error {
	return l.update(ctx, cur, []common.Address{who}, func(b []Balance) error {
		free, overflow := new(uint256.Int).AddOverflow(&b[0].Free, amount)
		if overflow {
			return ErrBalanceOverflow
		}
		b[0].Free = *free
		return nil
	})
}

func (l *RedisLedger) Reserve(ctx context.Context, cur voucher.CurrencyID, who common.Address, amount *uint256.Int) error {
	return l.update(ctx, cur, []common.Address{who}, func(b []Balance) error {
		if b[0].Free.Lt(amount) {
			return ErrInsufficientReservableBalance
		}
		reserved, overflow := new(uint256.Int).AddOverflow(&b[0].Reserved, amount)
		if overflow {
			return ErrBalanceOverflow
		}
		b[0].Free.Sub(&b[0].Free, amount)
		b[0].Reserved = *reserved
		return nil
	})
}

func (l *RedisLedger) Unreserve(ctx context.Context, cur voucher.CurrencyID, who common.Address, amount *uint256.Int) error {
	return l.update(ctx, cur, []common.Address{who}, func(b []Balance) error {
		return moveReserved(&b[0], &b[0], amount, nil)
	})
}

func (l *RedisLedger) RepatriateReserved(ctx context.Context, cur voucher.CurrencyID, from, to common.Address, amount *uint256.Int) (uint256.Int, error) {
	var shortfall uint256.Int
	accounts := []common.Address{from, to}
	if from == to {
		accounts = accounts[:1]
	}
	err := l.update(ctx, cur, accounts, func(b []Balance) error {
		dst := &b[0]
		if len(b) > 1 {
			dst = &b[1]
		}
		return moveReserved(&b[0], dst, amount, &shortfall)
	})
	if err != nil {
		return uint256.Int{}, err
	}
	return shortfall, nil
}

func (l *RedisLedger) ReturnReserved(ctx context.Context, cur voucher.CurrencyID, from, to common.Address, amount *uint256.Int) error {
	accounts := []common.Address{from, to}
	if from == to {
		accounts = accounts[:1]
	}
	return l.update(ctx, cur, accounts, func(b []Balance) error {
		dst := &b[0]
		if len(b) > 1 {
			dst = &b[1]
		}
		if b[0].Free.Lt(amount) {
			return ErrInsufficientReservableBalance
		}
		reserved, overflow := new(uint256.Int).AddOverflow(&dst.Reserved, amount)
		if overflow {
			return ErrBalanceOverflow
		}
		b[0].Free.Sub(&b[0].Free, amount)
		dst.Reserved = *reserved
		return nil
	})
}

func (l *RedisLedger) Balance(ctx context.Context, cur voucher.CurrencyID, who common.Address) (Balance, error) {
	vals, err := l.rdb.HMGet(ctx, balanceKey(cur, who), "free", "reserved").Result()
	if err != nil {
		return Balance{}, err
	}
	return balanceFromValues(vals)
}

// moveReserved moves min(amount, src.Reserved) from src.Reserved to
// dst.Free. src and dst may be the same balance. The unmoved part is written
// to shortfall when it is non-nil.
func moveReserved(src, dst *Balance, amount *uint256.Int, shortfall *uint256.Int) error {
	actual := new(uint256.Int).Set(amount)
	if src.Reserved.Lt(amount) {
		actual.Set(&src.Reserved)
	}
	free, overflow := new(uint256.Int).AddOverflow(&dst.Free, actual)
	if overflow {
		return ErrBalanceOverflow
	}
	src.Reserved.Sub(&src.Reserved, actual)
	dst.Free = *free
	if shortfall != nil {
		shortfall.Sub(amount, actual)
	}
	return nil
}

// update loads the balances of accounts, lets fn mutate them and writes them
// back in one transaction. fn may run more than once and must only touch the
// slice it is given; if it returns an error nothing is written.
func (l *RedisLedger) update(ctx context.Context, cur voucher.CurrencyID, accounts []common.Address, fn func([]Balance) error) error {
	keys := make([]string, len(accounts))
	for i, a := range accounts {
		keys[i] = balanceKey(cur, a)
	}

	txf := func(tx *redis.Tx) error {
		balances := make([]Balance, len(keys))
		for i, key := range keys {
			vals, err := tx.HMGet(ctx, key, "free", "reserved").Result()
			if err != nil {
				return err
			}
			if balances[i], err = balanceFromValues(vals); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		if err := fn(balances); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				pipe.HSet(ctx, key,
					"free", balances[i].Free.Dec(),
					"reserved", balances[i].Reserved.Dec(),
				)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := l.rdb.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrContention
}

func balanceFromValues(vals []interface{}) (Balance, error) {
	var b Balance
	for i, dst := range []*uint256.Int{&b.Free, &b.Reserved} {
		if i >= len(vals) || vals[i] == nil {
			continue
		}
		s, ok := vals[i].(string)
		if !ok {
			return Balance{}, fmt.Errorf("unexpected balance field type %T", vals[i])
		}
		if err := dst.SetFromDecimal(s); err != nil {
			return Balance{}, fmt.Errorf("parse balance %q: %w", s, err)
		}
	}
	return b, nil
}
