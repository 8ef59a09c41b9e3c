package ledger

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type rpcEnvelope struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int64             `json:"id"`
}

func TestExecuteTransfer(t *testing.T) {
	var got rpcEnvelope
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"txRef":"0xabc"}}`))
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, "secret-token")
	txRef, err := client.ExecuteTransfer(context.Background(), "USDC", "0xprovider", big.NewInt(9750))
	require.NoError(t, err)
	require.Equal(t, "0xabc", txRef)
	require.Equal(t, "Bearer secret-token", auth)
	require.Equal(t, "ledger_executeTransfer", got.Method)
	require.Equal(t, "2.0", got.JSONRPC)

	var payload struct {
		Token  string `json:"token"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	require.Len(t, got.Params, 1)
	require.NoError(t, json.Unmarshal(got.Params[0], &payload))
	require.Equal(t, "USDC", payload.Token)
	require.Equal(t, "0xprovider", payload.To)
	require.Equal(t, "9750", payload.Amount)
}

func TestExecuteTransferRejectsNonPositiveAmount(t *testing.T) {
	client := NewRPCClient("http://127.0.0.1:0", "")
	_, err := client.ExecuteTransfer(context.Background(), "USDC", "0xprovider", big.NewInt(0))
	require.Error(t, err)
	_, err = client.ExecuteTransfer(context.Background(), "USDC", "0xprovider", nil)
	require.Error(t, err)
}

func TestExecuteContractCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"txRef":"0xdeposit"}}`))
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	txRef, err := client.ExecuteContractCall(context.Background(), "0xescrow", "deposit",
		[]string{"job-1"}, big.NewInt(15))
	require.NoError(t, err)
	require.Equal(t, "0xdeposit", txRef)
}

func TestRPCErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"insufficient funds"}}`))
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	_, err := client.ExecuteTransfer(context.Background(), "USDC", "0xprovider", big.NewInt(1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "insufficient funds")
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	_, err := client.GetBalance(context.Background(), "0xbuyer", "USDC")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 502")
}

func TestGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"amount":"123456"}}`))
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	balance, err := client.GetBalance(context.Background(), "0xbuyer", "USDC")
	require.NoError(t, err)
	require.Equal(t, int64(123456), balance.Int64())
}
