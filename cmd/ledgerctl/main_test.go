package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher-escrow/internal/auth"
	"github.com/0gfoundation/0g-voucher-escrow/internal/escrow"
	"github.com/0gfoundation/0g-voucher-escrow/internal/events"
	"github.com/0gfoundation/0g-voucher-escrow/internal/ledger"
	"github.com/0gfoundation/0g-voucher-escrow/internal/store"
	"github.com/0gfoundation/0g-voucher-escrow/internal/voucher"
)

const (
	// Fixed deterministic test key (not used anywhere outside tests)
	testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testWallet = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func runCmd(t *testing.T, rdb *redis.Client, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), rdb, args[0], args[1:], &out)
	return out.String(), err
}

func TestDepositAndBalance(t *testing.T) {
	rdb := newTestRedis(t)
	if _, err := runCmd(t, rdb, "deposit", "-currency", "DOT", "-account", testWallet, "-amount", "1000000"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	out, err := runCmd(t, rdb, "balance", "-currency", "DOT", "-account", testWallet)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !strings.Contains(out, "free:      1000000") || !strings.Contains(out, "reserved:  0") {
		t.Errorf("output: %q", out)
	}
}

func TestBadArguments(t *testing.T) {
	rdb := newTestRedis(t)
	for _, args := range [][]string{
		{"deposit", "-currency", "DOT", "-account", testWallet, "-amount", "-5"},
		{"deposit", "-currency", "DOT", "-account", "nobody", "-amount", "5"},
		{"balance", "-currency", "", "-account", testWallet},
		{"vouchers", "-owner", "nobody"},
		{"frobnicate"},
	} {
		if _, err := runCmd(t, rdb, args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestVouchersAndAudit(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	led := ledger.NewRedisLedger(rdb)
	owner := common.HexToAddress(testWallet)
	led.Deposit(ctx, "DOT", owner, uint256.NewInt(100)) //nolint:errcheck
	svc := escrow.NewService(store.New(rdb), led, events.NewPublisher(rdb, voucher.EventQueueKey), &escrow.LocalLocker{}, escrow.Retain, zap.NewNop())
	if _, err := svc.Submit(ctx, owner, escrow.SubmitRequest{CurrencyID: "DOT", Amount: *uint256.NewInt(40)}); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, rdb, "vouchers", "-owner", testWallet)
	if err != nil {
		t.Fatalf("vouchers: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 2 || !strings.Contains(lines[1], "40") {
		t.Errorf("vouchers output: %q", out)
	}

	if out, err := runCmd(t, rdb, "audit"); err != nil || !strings.HasPrefix(out, "ok") {
		t.Fatalf("audit on consistent state: %q %v", out, err)
	}
	led.Unreserve(ctx, "DOT", owner, uint256.NewInt(40)) //nolint:errcheck
	out, err = runCmd(t, rdb, "audit")
	if err == nil || !strings.Contains(out, "commit 40, reserved 0") {
		t.Fatalf("audit on drained reservation: %q %v", out, err)
	}
}

func TestSign(t *testing.T) {
	var out bytes.Buffer
	err := runSign([]string{"-action", "redeem_voucher", "-resource", "3", "-payload", `{"amount":"8"}`}, "0x"+testKeyHex, &out)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	headers := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		k, v, _ := strings.Cut(line, ": ")
		headers[k] = v
	}
	if headers[auth.HeaderWallet] != testWallet {
		t.Errorf("wallet: %s", headers[auth.HeaderWallet])
	}
	raw, err := base64.StdEncoding.DecodeString(headers[auth.HeaderMessage])
	if err != nil {
		t.Fatal(err)
	}
	var req auth.SignedRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatal(err)
	}
	if req.Action != "redeem_voucher" || req.ResourceID != "3" || string(req.Payload) != `{"amount":"8"}` {
		t.Errorf("signed request: %+v", req)
	}

	if err := runSign([]string{"-action", "x"}, "", &out); err == nil {
		t.Error("expected error without key")
	}
	if err := runSign([]string{"-action", "x", "-payload", "{"}, testKeyHex, &out); err == nil {
		t.Error("expected error for invalid payload")
	}
}
