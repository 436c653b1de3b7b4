package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/bank/banktest"
	"github.com/qrbridge/qrbridge/internal/config"
	"github.com/qrbridge/qrbridge/internal/ledger"
	"github.com/qrbridge/qrbridge/internal/logging"
)

func newTestServer(t *testing.T) (*Server, bank.Repository) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	repo := banktest.Repository(t)
	cfg := config.Config{
		AppName:             "qrbridge-test",
		AppEnv:              "test",
		IdempotencyTTL:      time.Minute,
		ScanRateLimitPerMin: 100,
		Ledger: config.LedgerConfig{
			CallTimeout:  5 * time.Second,
			MaxAttempts:  1,
			RetryBackoff: time.Millisecond,
		},
	}
	srv, err := New(cfg, Components{Cache: cache, Banks: repo, Ledger: ledger.NewInMemory()}, logging.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, repo
}

func call(t *testing.T, srv *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestPaymentFlowOverHTTP(t *testing.T) {
	srv, repo := newTestServer(t)

	status, qr := call(t, srv, fiber.MethodGet, "/generate-qr/M1", "")
	if status != fiber.StatusOK {
		t.Fatalf("generate qr: %d %v", status, qr)
	}
	qrCode := qr["qrData"].(map[string]any)["qrCode"].(string)

	status, scan := call(t, srv, fiber.MethodPost, "/scan-qr",
		`{"qrCode":"`+qrCode+`","payerUserId":"U1","payerCountry":"Thailand"}`)
	if status != fiber.StatusOK || scan["status"] != "pending_verification" || scan["direction"] != "THAILAND_TO_MALAYSIA" {
		t.Fatalf("scan: %d %v", status, scan)
	}
	sessionID := scan["sessionId"].(string)

	status, body := call(t, srv, fiber.MethodPost, "/process-payment", `{"sessionId":"`+sessionID+`","amount":500}`)
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 before verification, got %d %v", status, body)
	}

	for _, step := range []struct {
		bank   string
		status string
	}{
		{"THAI_BANK_001", "partial_verification"},
		{"MAYBANK_001", "verified"},
	} {
		status, body := call(t, srv, fiber.MethodPost, "/verify-bank", `{"sessionId":"`+sessionID+`","bankId":"`+step.bank+`"}`)
		if status != fiber.StatusOK || body["verified"] != true || body["status"] != step.status {
			t.Fatalf("verify %s: %d %v", step.bank, status, body)
		}
	}

	status, body = call(t, srv, fiber.MethodPost, "/process-payment", `{"sessionId":"`+sessionID+`","amount":500}`)
	if status != fiber.StatusOK || body["status"] != "payment_initiated" || body["amount"] != float64(500) {
		t.Fatalf("process payment: %d %v", status, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.engine.Wait(ctx); err != nil {
		t.Fatalf("wait for settlement: %v", err)
	}

	status, view := call(t, srv, fiber.MethodGet, "/payment-status/"+sessionID, "")
	if status != fiber.StatusOK {
		t.Fatalf("status: %d %v", status, view)
	}
	if view["status"] != "completed" || view["convertedAmount"] != float64(65) || view["originVerified"] != true || view["ledgerSettled"] != true {
		t.Fatalf("unexpected status view %v", view)
	}
	if _, leaked := view["originCiphertext"]; leaked {
		t.Fatalf("status view leaks ciphertext")
	}

	rec, err := repo.Load(context.Background(), bank.ThaiBank)
	if err != nil {
		t.Fatalf("load thai bank: %v", err)
	}
	if u, _ := rec.User("U1"); u.Balance != 50_000 {
		t.Fatalf("expected U1 balance 500.00, got %d", u.Balance)
	}
}

func TestErrorResponsesAreJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := call(t, srv, fiber.MethodGet, "/payment-status/session_missing", "")
	if status != fiber.StatusNotFound || body["error"] == nil {
		t.Fatalf("expected 404 json error, got %d %v", status, body)
	}

	status, scan := call(t, srv, fiber.MethodPost, "/scan-qr",
		`{"qrCode":"`+bank.DemoQRMaybankMerchant+`","payerUserId":"U1","payerCountry":"Thailand"}`)
	if status != fiber.StatusOK {
		t.Fatalf("scan: %d %v", status, scan)
	}
	status, body = call(t, srv, fiber.MethodPost, "/verify-bank", `{"sessionId":"`+scan["sessionId"].(string)+`","bankId":"NOT_A_BANK"}`)
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for unknown bank, got %d %v", status, body)
	}

	status, body = call(t, srv, fiber.MethodPost, "/scan-qr", `{"qrCode":"QR_UNKNOWN","payerUserId":"U1","payerCountry":"Thailand"}`)
	if status != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown qr, got %d %v", status, body)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	status, info := call(t, srv, fiber.MethodGet, "/contract-info", "")
	if status != fiber.StatusOK || info["kind"] != "memory" || info["isConnected"] != true {
		t.Fatalf("contract info: %d %v", status, info)
	}

	status, health := call(t, srv, fiber.MethodGet, "/healthz", "")
	if status != fiber.StatusOK || health["status"].(map[string]any)["redis"] != "ok" {
		t.Fatalf("healthz: %d %v", status, health)
	}

	req := httptest.NewRequest(fiber.MethodGet, "/metrics", nil)
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(raw), "qrbridge_live_sessions") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
}
