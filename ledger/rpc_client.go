package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RPCClient implements Client against a JSON-RPC ledger node.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient builds a client for the node at baseURL. The auth token is
// optional and sent as a bearer credential when present.
func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type txRefResult struct {
	TxRef string `json:"txRef"`
}

func (c *RPCClient) ExecuteTransfer(ctx context.Context, token, to string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", errors.New("ledger: transfer amount must be positive")
	}
	payload := map[string]interface{}{
		"token":  token,
		"to":     to,
		"amount": amount.String(),
	}
	var result txRefResult
	if err := c.call(ctx, "ledger_executeTransfer", []interface{}{payload}, &result); err != nil {
		return "", err
	}
	return result.TxRef, nil
}

func (c *RPCClient) ExecuteContractCall(ctx context.Context, contract, fn string, args []string, value *big.Int) (string, error) {
	payload := map[string]interface{}{
		"contract": contract,
		"fn":       fn,
		"args":     args,
	}
	if value != nil && value.Sign() > 0 {
		payload["value"] = value.String()
	}
	var result txRefResult
	if err := c.call(ctx, "ledger_executeContractCall", []interface{}{payload}, &result); err != nil {
		return "", err
	}
	return result.TxRef, nil
}

func (c *RPCClient) GetBalance(ctx context.Context, addr, token string) (*big.Int, error) {
	var result struct {
		Amount string `json:"amount"`
	}
	if err := c.call(ctx, "ledger_getBalance", []interface{}{addr, token}, &result); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(result.Amount), 10)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed balance %q", result.Amount)
	}
	return amount, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode rpc request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ledger rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read rpc response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger rpc %s: unexpected status %d", method, resp.StatusCode)
	}
	var decoded jsonRPCResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("ledger rpc %s: %s (code %d)", method, decoded.Error.Message, decoded.Error.Code)
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("decode rpc result: %w", err)
	}
	return nil
}
