// Package store persists voucher records and the voucher id counter in Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-voucher-escrow/internal/voucher"
)

const maxTxRetries = 16

// ErrContention is returned when a write kept losing its optimistic lock.
var ErrContention = errors.New("store: too much contention, giving up")

// Transition computes the next state of a voucher from its current state.
// current is nil when no voucher exists. Returning nil deletes the record;
// returning an error leaves the store untouched. A transition may be invoked
// more than once and must not have side effects.
type Transition func(current *voucher.Voucher) (next *voucher.Voucher, err error)

// Entry is a live voucher together with its id.
type Entry struct {
	ID      voucher.ID
	Voucher *voucher.Voucher
}

// Store is the authoritative owner of voucher records.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// AllocateAndInsert stores v under the current counter value and advances
// the counter, both in one transaction.
func (s *Store) AllocateAndInsert(ctx context.Context, v *voucher.Voucher) (voucher.ID, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal voucher: %w", err)
	}
	var id voucher.ID
	err = s.watch(ctx, func(tx *redis.Tx) error {
		next, err := readCounter(ctx, tx)
		if err != nil {
			return err
		}
		if next == math.MaxUint64 {
			return voucher.ErrIdentifierOverflow
		}
		id = voucher.ID(next)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, voucher.NextIDKey, strconv.FormatUint(next+1, 10), 0)
			pipe.Set(ctx, voucher.RecordKey(id), raw, 0)
			return nil
		})
		return err
	}, voucher.NextIDKey)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// NextID returns the id the next AllocateAndInsert will use.
func (s *Store) NextID(ctx context.Context) (voucher.ID, error) {
	n, err := readCounter(ctx, s.rdb)
	return voucher.ID(n), err
}

// Get returns the voucher or nil if there is none.
func (s *Store) Get(ctx context.Context, id voucher.ID) (*voucher.Voucher, error) {
	return getVoucher(ctx, s.rdb, id)
}

// Take removes and returns the voucher in one step; nil if there is none.
func (s *Store) Take(ctx context.Context, id voucher.ID) (*voucher.Voucher, error) {
	var taken *voucher.Voucher
	err := s.watch(ctx, func(tx *redis.Tx) error {
		v, err := getVoucher(ctx, tx, id)
		if err != nil || v == nil {
			taken = nil
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, voucher.RecordKey(id))
			return nil
		}); err != nil {
			return err
		}
		taken = v
		return nil
	}, voucher.RecordKey(id))
	return taken, err
}

// PutBack writes v under id, replacing whatever is there.
func (s *Store) PutBack(ctx context.Context, id voucher.ID, v *voucher.Voucher) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal voucher: %w", err)
	}
	return s.rdb.Set(ctx, voucher.RecordKey(id), raw, 0).Err()
}

// Apply runs fn against the current record and commits its result
// atomically. It returns the record as it was before the transition.
func (s *Store) Apply(ctx context.Context, id voucher.ID, fn Transition) (*voucher.Voucher, error) {
	key := voucher.RecordKey(id)
	var prev *voucher.Voucher
	err := s.watch(ctx, func(tx *redis.Tx) error {
		cur, err := getVoucher(ctx, tx, id)
		if err != nil {
			return err
		}
		var in *voucher.Voucher
		if cur != nil {
			in = cur.Clone()
		}
		next, err := fn(in)
		if err != nil {
			return err
		}
		if cur == nil && next == nil {
			prev = nil
			return nil
		}
		var raw []byte
		if next != nil {
			if raw, err = json.Marshal(next); err != nil {
				return fmt.Errorf("marshal voucher: %w", err)
			}
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, raw, 0)
			}
			return nil
		}); err != nil {
			return err
		}
		prev = cur
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// List returns all live vouchers ordered by id.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	var cursor uint64
	prefixLen := len(voucher.RecordKeyPattern) - 1
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, voucher.RecordKeyPattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan vouchers: %w", err)
		}
		for _, key := range keys {
			id, err := voucher.ParseID(key[prefixLen:])
			if err != nil {
				return nil, fmt.Errorf("voucher key %q: %w", key, err)
			}
			v, err := getVoucher(ctx, s.rdb, id)
			if err != nil {
				return nil, err
			}
			if v == nil {
				continue // taken since the scan
			}
			entries = append(entries, Entry{ID: id, Voucher: v})
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrContention
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getVoucher(ctx context.Context, c getter, id voucher.ID) (*voucher.Voucher, error) {
	raw, err := c.Get(ctx, voucher.RecordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v voucher.Voucher
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode voucher %s: %w", id, err)
	}
	return &v, nil
}

func readCounter(ctx context.Context, c getter) (uint64, error) {
	s, err := c.Get(ctx, voucher.NextIDKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", voucher.NextIDKey, err)
	}
	return n, nil
}
