package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestHandler(t *testing.T, ledger LedgerClient) chi.Router {
	t.Helper()
	verifier, err := NewVerifier(ledger, testContract)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	split := mustSplit(t,
		Share{"creator", 60},
		Share{"platform", 20},
		Share{"curator", 20},
	)
	r := chi.NewRouter()
	NewHandler(verifier, split).RegisterRoutes(r)
	return r
}

func postVerify(router http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/payments/verify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleVerifySuccess(t *testing.T) {
	t.Parallel()

	router := newTestHandler(t, &fakeLedger{receipts: map[string]*Receipt{
		"0xgood": {Succeeded: true, To: testContract},
	}})

	rec := postVerify(router, `{"tx_hash":"0xgood","amount":101}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Verified bool  `json:"verified"`
		Amount   int64 `json:"amount"`
		Shares   []struct {
			Recipient string `json:"recipient"`
			Amount    int64  `json:"amount"`
		} `json:"shares"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Verified || resp.Amount != 101 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Shares) != 3 {
		t.Fatalf("expected 3 shares, got %d", len(resp.Shares))
	}
	if resp.Shares[0].Recipient != "creator" || resp.Shares[0].Amount != 61 {
		t.Errorf("remainder must go to the first share: %+v", resp.Shares[0])
	}
	var sum int64
	for _, share := range resp.Shares {
		sum += share.Amount
	}
	if sum != 101 {
		t.Errorf("shares sum to %d, want 101", sum)
	}
}

func TestHandleVerifyRejections(t *testing.T) {
	t.Parallel()

	router := newTestHandler(t, &fakeLedger{receipts: map[string]*Receipt{
		"0xfailed": {Succeeded: false, To: testContract},
		"0xother":  {Succeeded: true, To: "0xdead000000000000000000000000000000000000"},
	}})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing hash", `{"amount":100}`, http.StatusBadRequest},
		{"negative amount", `{"tx_hash":"0xgood","amount":-1}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
		{"unknown tx", `{"tx_hash":"0xmissing","amount":100}`, http.StatusNotFound},
		{"failed tx", `{"tx_hash":"0xfailed","amount":100}`, http.StatusUnprocessableEntity},
		{"wrong destination", `{"tx_hash":"0xother","amount":100}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postVerify(router, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleVerifyLedgerDown(t *testing.T) {
	t.Parallel()

	router := newTestHandler(t, &fakeLedger{err: errors.New("ledger down")})
	rec := postVerify(router, `{"tx_hash":"0xgood","amount":100}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
