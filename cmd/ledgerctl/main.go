// cmd/ledgerctl is the operator tool for the escrow's Redis state.
//
// Usage:
//
//	ledgerctl balance  -currency DOT -account 0x<addr>
//	ledgerctl deposit  -currency DOT -account 0x<addr> -amount 1000000
//	ledgerctl vouchers [-owner 0x<addr>] [-redeemer 0x<addr>]
//	ledgerctl audit
//	ledgerctl sign     -action cancel_voucher -resource 0 [-payload '{}'] [-ttl 2m]
//
// The Redis connection comes from the service configuration (REDIS_ADDR,
// REDIS_PASSWORD or config.yaml). sign reads the wallet key from
// WALLET_PRIVATE_KEY and prints the auth headers for one request.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher-escrow/internal/auth"
	"github.com/0gfoundation/0g-voucher-escrow/internal/config"
	"github.com/0gfoundation/0g-voucher-escrow/internal/escrow"
	"github.com/0gfoundation/0g-voucher-escrow/internal/events"
	"github.com/0gfoundation/0g-voucher-escrow/internal/ledger"
	"github.com/0gfoundation/0g-voucher-escrow/internal/store"
	"github.com/0gfoundation/0g-voucher-escrow/internal/voucher"
)

const usage = "usage: ledgerctl <balance|deposit|vouchers|audit|sign> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if cmd == "sign" {
		err = runSign(args, os.Getenv("WALLET_PRIVATE_KEY"), os.Stdout)
	} else {
		err = withRedis(ctx, func(rdb *redis.Client) error {
			return run(ctx, rdb, cmd, args, os.Stdout)
		})
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func withRedis(ctx context.Context, fn func(*redis.Client) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	return fn(rdb)
}

func run(ctx context.Context, rdb *redis.Client, cmd string, args []string, out io.Writer) error {
	led := ledger.NewRedisLedger(rdb)
	switch cmd {
	case "balance":
		fs := flag.NewFlagSet("balance", flag.ContinueOnError)
		cur := fs.String("currency", "", "Currency symbol")
		account := fs.String("account", "", "Account address")
		if err := fs.Parse(args); err != nil {
			return err
		}
		c, who, err := parseHolding(*cur, *account)
		if err != nil {
			return err
		}
		b, err := led.Balance(ctx, c, who)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "free:      %s\nreserved:  %s\n", b.Free.Dec(), b.Reserved.Dec())
		return nil

	case "deposit":
		fs := flag.NewFlagSet("deposit", flag.ContinueOnError)
		cur := fs.String("currency", "", "Currency symbol")
		account := fs.String("account", "", "Account address")
		amountStr := fs.String("amount", "", "Decimal amount to credit to the free balance")
		if err := fs.Parse(args); err != nil {
			return err
		}
		c, who, err := parseHolding(*cur, *account)
		if err != nil {
			return err
		}
		amount, err := uint256.FromDecimal(*amountStr)
		if err != nil {
			return fmt.Errorf("invalid -amount %q: %w", *amountStr, err)
		}
		if err := led.Deposit(ctx, c, who, amount); err != nil {
			return err
		}
		b, err := led.Balance(ctx, c, who)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "deposited %s %s to %s (free now %s)\n", amount.Dec(), c, who.Hex(), b.Free.Dec())
		return nil

	case "vouchers":
		fs := flag.NewFlagSet("vouchers", flag.ContinueOnError)
		owner := fs.String("owner", "", "Only vouchers owned by this address")
		redeemer := fs.String("redeemer", "", "Only vouchers redeemable by this address")
		if err := fs.Parse(args); err != nil {
			return err
		}
		var f escrow.Filter
		for _, p := range []struct {
			val string
			dst *common.Address
		}{{*owner, &f.Owner}, {*redeemer, &f.RedeemableBy}} {
			if p.val == "" {
				continue
			}
			if !common.IsHexAddress(p.val) {
				return fmt.Errorf("invalid address %q", p.val)
			}
			*p.dst = common.HexToAddress(p.val)
		}
		entries, err := readOnlyService(rdb, led).Vouchers(ctx, f)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCURRENCY\tAMOUNT\tOWNER\tREDEEMER\tMERCHANTS")
		for _, e := range entries {
			v := events.NewVoucherView(e.Voucher)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.ID, v.CurrencyID, v.Amount, v.Owner, v.RedeemableBy, strings.Join(v.ValidMerchants, ","))
		}
		return tw.Flush()

	case "audit":
		found, err := readOnlyService(rdb, led).Audit(ctx)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Fprintln(out, "ok: every live voucher is covered by its owner's reservation")
			return nil
		}
		for _, d := range found {
			fmt.Fprintf(out, "%s %s: %d vouchers commit %s, reserved %s\n",
				d.CurrencyID, d.Owner.Hex(), d.Vouchers, d.Committed.Dec(), d.Reserved.Dec())
		}
		return fmt.Errorf("%d discrepancies", len(found))
	}
	return errors.New(usage)
}

// runSign prints the three auth headers for a request signed with keyHex.
func runSign(args []string, keyHex string, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	action := fs.String("action", "", "Signed action, e.g. redeem_voucher")
	resource := fs.String("resource", "", "Resource id (voucher id; empty for submit)")
	payload := fs.String("payload", "{}", "JSON payload")
	ttl := fs.Duration("ttl", 2*time.Minute, "Validity window")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *action == "" {
		return errors.New("-action is required")
	}
	keyHex = strings.TrimPrefix(keyHex, "0x")
	if keyHex == "" {
		return errors.New("WALLET_PRIVATE_KEY not set")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	if !json.Valid([]byte(*payload)) {
		return errors.New("-payload is not valid JSON")
	}
	req, err := auth.NewRequest(*action, *resource, json.RawMessage(*payload), *ttl)
	if err != nil {
		return err
	}
	h, err := auth.Sign(req, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n%s: %s\n%s: %s\n",
		auth.HeaderWallet, h.Wallet,
		auth.HeaderMessage, h.Message,
		auth.HeaderSignature, h.Signature)
	return nil
}

func parseHolding(cur, account string) (voucher.CurrencyID, common.Address, error) {
	c := voucher.CurrencyID(cur)
	if err := c.Validate(); err != nil {
		return "", common.Address{}, err
	}
	if !common.IsHexAddress(account) {
		return "", common.Address{}, fmt.Errorf("invalid -account %q", account)
	}
	return c, common.HexToAddress(account), nil
}

// readOnlyService backs the list and audit commands.
func readOnlyService(rdb *redis.Client, led *ledger.RedisLedger) *escrow.Service {
	return escrow.NewService(store.New(rdb), led, events.NewPublisher(rdb, voucher.EventQueueKey), &escrow.LocalLocker{}, escrow.Retain, zap.NewNop())
}
