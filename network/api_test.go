package network

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sultan-labs/sultan/types"
)

type stubNode struct {
	submitted []*types.Transaction
	submitErr error
	balances  map[string]uint64
}

func (s *stubNode) SubmitTransaction(tx *types.Transaction) error {
	if s.submitErr != nil {
		return s.submitErr
	}
	s.submitted = append(s.submitted, tx)
	return nil
}

func (s *stubNode) GetBalance(addr string) (uint64, uint64, error) {
	return s.balances[addr], 0, nil
}

func (s *stubNode) GetChainStatus() types.ChainStatus {
	return types.ChainStatus{Height: 7, Hash: "abc", ValidatorCount: 3}
}

func (s *stubNode) GetBlock(height uint64) (*types.Block, error) {
	return &types.Block{Height: height, Proposer: "sn1proposer"}, nil
}

func callRPC(t *testing.T, h http.Handler, method string, params ...interface{}) JSONRPCResponse {
	t.Helper()
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0", Method: method, Params: params, ID: 1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp JSONRPCResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestRPCSubmitTransaction(t *testing.T) {
	node := &stubNode{}
	h := NewHandler(node)

	resp := callRPC(t, h, "submitTransaction", map[string]interface{}{
		"from":   "sn1alice",
		"to":     "sn1bob",
		"amount": 42,
		"nonce":  1,
	})
	require.Nil(t, resp.Error)

	require.Len(t, node.submitted, 1)
	require.Equal(t, "sn1alice", node.submitted[0].From)
	require.Equal(t, uint64(42), node.submitted[0].Amount)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "pending", result["status"])
	require.NotEmpty(t, result["id"])
}

func TestRPCSubmitRejectionSurfacesError(t *testing.T) {
	node := &stubNode{submitErr: types.ErrDuplicateTransaction}
	resp := callRPC(t, NewHandler(node), "submitTransaction", map[string]interface{}{
		"from": "sn1alice", "to": "sn1bob", "amount": 1, "nonce": 1,
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, -32603, resp.Error.Code)
	require.Contains(t, resp.Error.Message, "duplicate")
}

func TestRPCGetBalance(t *testing.T) {
	node := &stubNode{balances: map[string]uint64{"sn1alice": 100}}
	resp := callRPC(t, NewHandler(node), "getBalance", "sn1alice")
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, float64(100), result["balance"])
}

func TestRPCGetChainStatus(t *testing.T) {
	resp := callRPC(t, NewHandler(&stubNode{}), "getChainStatus")
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, float64(7), result["height"])
	require.Equal(t, float64(3), result["validatorCount"])
}

func TestRPCUnknownMethod(t *testing.T) {
	resp := callRPC(t, NewHandler(&stubNode{}), "mineBlock")
	require.NotNil(t, resp.Error)
	require.Equal(t, -32601, resp.Error.Code)
}

func TestRPCRejectsNonPost(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(&stubNode{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rpc", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
