package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testContract = "0xAbC0000000000000000000000000000000000001"

type fakeLedger struct {
	receipts map[string]*Receipt
	err      error
}

func (f *fakeLedger) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.receipts[txHash], nil
}

func TestVerify(t *testing.T) {
	t.Parallel()

	ledger := &fakeLedger{receipts: map[string]*Receipt{
		"0xgood":   {Succeeded: true, To: testContract},
		"0xcased":  {Succeeded: true, To: "0xabc0000000000000000000000000000000000001"},
		"0xfailed": {Succeeded: false, To: testContract},
		"0xother":  {Succeeded: true, To: "0xdead000000000000000000000000000000000000"},
	}}
	verifier, err := NewVerifier(ledger, testContract)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}

	ctx := context.Background()
	if err := verifier.Verify(ctx, "0xgood"); err != nil {
		t.Errorf("valid transaction rejected: %v", err)
	}
	if err := verifier.Verify(ctx, "0xcased"); err != nil {
		t.Errorf("address comparison must be case-insensitive: %v", err)
	}
	if err := verifier.Verify(ctx, "0xmissing"); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("expected ErrTxNotFound, got %v", err)
	}
	if err := verifier.Verify(ctx, "0xfailed"); !errors.Is(err, ErrTxFailed) {
		t.Errorf("expected ErrTxFailed, got %v", err)
	}
	if err := verifier.Verify(ctx, "0xother"); !errors.Is(err, ErrWrongDestination) {
		t.Errorf("expected ErrWrongDestination, got %v", err)
	}
	if err := verifier.Verify(ctx, "  "); err == nil {
		t.Error("expected error for empty hash")
	}
}

func TestVerifyLedgerFailure(t *testing.T) {
	t.Parallel()

	ledger := &fakeLedger{err: fmt.Errorf("ledger down")}
	verifier, err := NewVerifier(ledger, testContract)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	if err := verifier.Verify(context.Background(), "0xgood"); err == nil {
		t.Fatal("expected error when ledger is unreachable")
	}
}

func TestRPCClientTransactionReceipt(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		if req.Method != "eth_getTransactionReceipt" {
			t.Errorf("unexpected method %q", req.Method)
		}
		hash, _ := req.Params[0].(string)
		switch hash {
		case "0xgood":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"status":"0x1","to":%q}}`, testContract)
		case "0xreverted":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"status":"0x0","to":%q}}`, testContract)
		case "0xerr":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"boom"}}`)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
		}
	}))
	defer server.Close()

	client, err := NewRPCClient(server.URL, time.Second)
	if err != nil {
		t.Fatalf("NewRPCClient failed: %v", err)
	}
	ctx := context.Background()

	receipt, err := client.TransactionReceipt(ctx, "0xgood")
	if err != nil {
		t.Fatalf("TransactionReceipt failed: %v", err)
	}
	if receipt == nil || !receipt.Succeeded || receipt.To != testContract {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	receipt, err = client.TransactionReceipt(ctx, "0xreverted")
	if err != nil {
		t.Fatalf("TransactionReceipt failed: %v", err)
	}
	if receipt == nil || receipt.Succeeded {
		t.Fatalf("reverted transaction must not read as succeeded: %+v", receipt)
	}

	receipt, err = client.TransactionReceipt(ctx, "0xmissing")
	if err != nil {
		t.Fatalf("TransactionReceipt failed: %v", err)
	}
	if receipt != nil {
		t.Fatalf("missing transaction must return nil receipt, got %+v", receipt)
	}

	if _, err := client.TransactionReceipt(ctx, "0xerr"); err == nil {
		t.Fatal("expected error from rpc error response")
	}
}

func TestRPCClientBadStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}))
	defer server.Close()

	client, err := NewRPCClient(server.URL, time.Second)
	if err != nil {
		t.Fatalf("NewRPCClient failed: %v", err)
	}
	if _, err := client.TransactionReceipt(context.Background(), "0xgood"); err == nil {
		t.Fatal("expected error from non-200 status")
	}
}
