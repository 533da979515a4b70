package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Verification failure modes, distinguishable by the caller.
var (
	ErrTxNotFound       = errors.New("transaction not found")
	ErrTxFailed         = errors.New("transaction did not succeed on chain")
	ErrWrongDestination = errors.New("transaction destination does not match contract")
)

// Receipt is the subset of an on-chain transaction receipt the verifier
// needs: final status and destination address.
type Receipt struct {
	Succeeded bool
	To        string
}

// LedgerClient reads transaction receipts from an external ledger.
type LedgerClient interface {
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// Verifier checks externally submitted transactions against the configured
// contract address.
type Verifier struct {
	ledger       LedgerClient
	contractAddr string
}

// NewVerifier creates a verifier bound to one contract address.
func NewVerifier(ledger LedgerClient, contractAddr string) (*Verifier, error) {
	if contractAddr == "" {
		return nil, errors.New("contract address is required")
	}
	return &Verifier{ledger: ledger, contractAddr: contractAddr}, nil
}

// Verify confirms the transaction succeeded on chain and paid the
// configured contract. Both checks must pass before success is reported.
func (v *Verifier) Verify(ctx context.Context, txHash string) error {
	if strings.TrimSpace(txHash) == "" {
		return errors.New("transaction hash is required")
	}
	receipt, err := v.ledger.TransactionReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("read receipt: %w", err)
	}
	if receipt == nil {
		return ErrTxNotFound
	}
	if !receipt.Succeeded {
		return ErrTxFailed
	}
	if !strings.EqualFold(receipt.To, v.contractAddr) {
		return ErrWrongDestination
	}
	return nil
}

// RPCClient is a LedgerClient over a JSON-RPC ledger endpoint.
type RPCClient struct {
	httpClient *http.Client
	endpoint   string
}

// NewRPCClient creates a JSON-RPC ledger client.
func NewRPCClient(endpoint string, timeout time.Duration) (*RPCClient, error) {
	if endpoint == "" {
		return nil, errors.New("ledger endpoint is required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RPCClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcReceipt struct {
	Status string `json:"status"`
	To     string `json:"to"`
}

type rpcResponse struct {
	Result *rpcReceipt `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// TransactionReceipt fetches a receipt via eth_getTransactionReceipt.
// A nil receipt with nil error means the ledger has no such transaction.
func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_getTransactionReceipt",
		Params:  []any{txHash},
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("ledger returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("ledger error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		return nil, nil
	}
	return &Receipt{
		Succeeded: rpcResp.Result.Status == "0x1",
		To:        rpcResp.Result.To,
	}, nil
}

// Ensure RPCClient implements LedgerClient.
var _ LedgerClient = (*RPCClient)(nil)
