package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/transfer-saga/internal/config"
	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/ledger"
	"github.com/congo-pay/transfer-saga/internal/logging"
	"github.com/congo-pay/transfer-saga/internal/middleware"
	"github.com/congo-pay/transfer-saga/internal/payments"
	"github.com/congo-pay/transfer-saga/internal/retry"
	"github.com/congo-pay/transfer-saga/internal/routes"
	"github.com/congo-pay/transfer-saga/internal/wallet"
)

type testEnv struct {
	srv   *Server
	store *ledger.InMemory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := ledger.NewInMemory()
	logger := logging.Discard()
	walletSvc := wallet.NewService(store)
	ledgerSvc := ledger.NewService(store, retry.Policy{MaxAttempts: 3}, logger)
	srv := New(routes.Deps{
		Cfg:      config.Config{AppName: "test", Port: "0", TransferRateLimit: 100},
		Logger:   logger,
		Wallets:  walletSvc,
		Payments: payments.NewService(ledgerSvc, walletSvc),
	})
	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, principal, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(middleware.PrincipalHeader, principal)
	}
	resp, err := e.srv.App().Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out
}

func (e *testEnv) createWallet(t *testing.T, owner string) string {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/api/v1/wallets", owner, "")
	if code != http.StatusCreated {
		t.Fatalf("create wallet: status %d body %v", code, body)
	}
	return body["id"].(string)
}

func TestTransferIntakeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := uuid.NewString(), uuid.NewString()
	from := env.createWallet(t, alice)
	to := env.createWallet(t, bob)
	ledger.SeedBalance(env.store, from, decimal.RequireFromString("100.00"))

	body := `{"to_wallet_id":"` + to + `","amount":"40.00","transaction_id":"t1"}`
	code, res := env.do(t, http.MethodPost, "/api/v1/transfers", alice, body)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", code, res)
	}
	if res["status"] != "PENDING" || res["transaction_id"] != "t1" || res["amount"] != "40.00" {
		t.Fatalf("unexpected response: %v", res)
	}

	code, res = env.do(t, http.MethodPost, "/api/v1/transfers", alice, body)
	if code != http.StatusOK || res["transaction_id"] != "t1" {
		t.Fatalf("duplicate id should answer 200 with the stored record, got %d %v", code, res)
	}

	code, res = env.do(t, http.MethodGet, "/api/v1/transfers/t1", bob, "")
	if code != http.StatusOK || res["status"] != "PENDING" {
		t.Fatalf("status lookup: %d %v", code, res)
	}
	code, _ = env.do(t, http.MethodGet, "/api/v1/transfers/t1", uuid.NewString(), "")
	if code != http.StatusNotFound {
		t.Fatalf("outsider must not see the transfer, got %d", code)
	}

	requests := 0
	for _, rec := range env.store.OutboxSnapshot() {
		if rec.Envelope.Key == "t1" {
			requests++
		}
	}
	if requests != 1 {
		t.Fatalf("expected exactly one staged request event, got %d", requests)
	}
}

func TestTransferStatusHidesInfrastructureReason(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := uuid.NewString(), uuid.NewString()
	from := env.createWallet(t, alice)
	to := env.createWallet(t, bob)
	ledger.SeedBalance(env.store, from, decimal.RequireFromString("100.00"))

	body := `{"to_wallet_id":"` + to + `","amount":"40.00","transaction_id":"t9"}`
	if code, res := env.do(t, http.MethodPost, "/api/v1/transfers", alice, body); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", code, res)
	}

	const diagnostic = `ERROR: could not write to file "pg_wal/0000": No space left on device (SQLSTATE 53100)`
	ledgerSvc := ledger.NewService(env.store, retry.Policy{MaxAttempts: 3}, logging.Discard())
	if _, err := ledgerSvc.CancelTransfer(context.Background(), "t9", diagnostic, errs.KindInfrastructure); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	code, res := env.do(t, http.MethodGet, "/api/v1/transfers/t9", alice, "")
	if code != http.StatusOK || res["status"] != "ROLLED_BACK" {
		t.Fatalf("status lookup: %d %v", code, res)
	}
	if res["reason"] != errs.InternalMessage {
		t.Fatalf("expected generic reason, got %v", res["reason"])
	}
	raw, _ := json.Marshal(res)
	if strings.Contains(string(raw), "SQLSTATE") {
		t.Fatalf("diagnostic leaked to the caller: %s", raw)
	}
}

func TestTransferIntakeValidation(t *testing.T) {
	env := newTestEnv(t)
	alice := uuid.NewString()
	from := env.createWallet(t, alice)
	to := env.createWallet(t, uuid.NewString())

	cases := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{"zero amount", `{"to_wallet_id":"` + to + `","amount":"0"}`, http.StatusBadRequest, "invalid_amount"},
		{"three decimals", `{"to_wallet_id":"` + to + `","amount":"1.001"}`, http.StatusBadRequest, "invalid_amount"},
		{"numeric amount", `{"to_wallet_id":"` + to + `","amount":-5}`, http.StatusBadRequest, "invalid_amount"},
		{"self transfer", `{"to_wallet_id":"` + from + `","amount":"5"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown destination", `{"to_wallet_id":"` + uuid.NewString() + `","amount":"5"}`, http.StatusNotFound, "wallet_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, res := env.do(t, http.MethodPost, "/api/v1/transfers", alice, tc.body)
			if code != tc.status || res["error"] != tc.kind {
				t.Fatalf("expected %d %s, got %d %v", tc.status, tc.kind, code, res)
			}
		})
	}

	code, res := env.do(t, http.MethodPost, "/api/v1/transfers", uuid.NewString(), `{"to_wallet_id":"`+to+`","amount":"5"}`)
	if code != http.StatusNotFound || res["error"] != "wallet_not_found" {
		t.Fatalf("principal without wallet: %d %v", code, res)
	}
}

func TestWalletEndpoints(t *testing.T) {
	env := newTestEnv(t)
	alice := uuid.NewString()
	id := env.createWallet(t, alice)
	ledger.SeedBalance(env.store, id, decimal.RequireFromString("12.5"))

	code, res := env.do(t, http.MethodGet, "/api/v1/wallets/"+id+"/balance", alice, "")
	if code != http.StatusOK || res["balance"] != "12.50" || res["spendable_balance"] != "12.50" {
		t.Fatalf("balance: %d %v", code, res)
	}

	code, res = env.do(t, http.MethodGet, "/api/v1/wallet", alice, "")
	if code != http.StatusOK {
		t.Fatalf("wallet me: %d %v", code, res)
	}
	w := res["wallet"].(map[string]any)
	if w["id"] != id || w["owner_id"] != alice {
		t.Fatalf("unexpected wallet: %v", w)
	}

	code, res = env.do(t, http.MethodPost, "/api/v1/wallets", alice, "")
	if code != http.StatusConflict || res["error"] != "duplicate" {
		t.Fatalf("second wallet for owner: %d %v", code, res)
	}

	code, _ = env.do(t, http.MethodGet, "/api/v1/wallet", "", "")
	if code != http.StatusUnauthorized {
		t.Fatalf("missing principal: expected 401, got %d", code)
	}
}

func TestHealthWithoutBackends(t *testing.T) {
	env := newTestEnv(t)
	code, res := env.do(t, http.MethodGet, "/healthz", "", "")
	if code != http.StatusOK {
		t.Fatalf("health: %d %v", code, res)
	}
}
