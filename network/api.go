package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sultan-labs/sultan/types"
)

// NodeService is the submission boundary the RPC layer fronts.
type NodeService interface {
	SubmitTransaction(tx *types.Transaction) error
	GetBalance(addr string) (balance, nonce uint64, err error)
	GetChainStatus() types.ChainStatus
	GetBlock(height uint64) (*types.Block, error)
}

type JSONRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      interface{}   `json:"id"`
}

type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      interface{}   `json:"id"`
}

type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Handler serves the JSON-RPC methods of the node.
type Handler struct {
	node NodeService
}

func NewHandler(node NodeService) *Handler {
	return &Handler{node: node}
}

func sendJSONRPCError(w http.ResponseWriter, rpcErr *JSONRPCError, id interface{}) {
	response := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONRPCError(w, &JSONRPCError{Code: -32700, Message: "Parse error"}, req.ID)
		return
	}

	var result interface{}
	var err error
	switch req.Method {
	case "submitTransaction":
		result, err = h.handleSubmitTransaction(req.Params)
	case "getBalance":
		result, err = h.handleGetBalance(req.Params)
	case "getChainStatus":
		result = h.node.GetChainStatus()
	case "getBlock":
		result, err = h.handleGetBlock(req.Params)
	default:
		sendJSONRPCError(w, &JSONRPCError{Code: -32601, Message: "Method not found"}, req.ID)
		return
	}

	if err != nil {
		sendJSONRPCError(w, &JSONRPCError{Code: -32603, Message: err.Error()}, req.ID)
		return
	}
	response := JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// submitTxParam is the JSON wire form of a transaction; byte fields
// travel base64-encoded as encoding/json does for []byte.
type submitTxParam struct {
	From            string `json:"from"`
	To              string `json:"to"`
	Amount          uint64 `json:"amount"`
	Nonce           uint64 `json:"nonce"`
	Timestamp       int64  `json:"timestamp"`
	SenderPublicKey []byte `json:"senderPublicKey"`
	Signature       []byte `json:"signature"`
}

func (h *Handler) handleSubmitTransaction(params []interface{}) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("transaction parameter required")
	}
	raw, err := json.Marshal(params[0])
	if err != nil {
		return nil, fmt.Errorf("invalid transaction parameter: %w", err)
	}
	var p submitTxParam
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid transaction parameter: %w", err)
	}

	tx := &types.Transaction{
		From:            p.From,
		To:              p.To,
		Amount:          p.Amount,
		Nonce:           p.Nonce,
		Timestamp:       p.Timestamp,
		SenderPublicKey: p.SenderPublicKey,
		Signature:       p.Signature,
	}
	if err := h.node.SubmitTransaction(tx); err != nil {
		return nil, err
	}
	return map[string]string{"id": tx.ID(), "status": "pending"}, nil
}

func (h *Handler) handleGetBalance(params []interface{}) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("address parameter required")
	}
	addr, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid address parameter")
	}
	balance, nonce, err := h.node.GetBalance(addr)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"balance": balance, "nonce": nonce}, nil
}

func (h *Handler) handleGetBlock(params []interface{}) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("height parameter required")
	}
	height, ok := params[0].(float64)
	if !ok || height < 0 {
		return nil, fmt.Errorf("invalid height parameter")
	}
	block, err := h.node.GetBlock(uint64(height))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"height":    block.Height,
		"hash":      block.Hash.String(),
		"prevHash":  block.PrevHash.String(),
		"timestamp": block.Timestamp,
		"proposer":  block.Proposer,
		"txCount":   block.TxCount(),
	}, nil
}

// Server exposes the RPC handler and the websocket event feed over one
// HTTP listener.
type Server struct {
	http *http.Server
}

func NewServer(addr string, node NodeService, events *EventHub) *Server {
	router := mux.NewRouter()
	router.Handle("/rpc", NewHandler(node)).Methods(http.MethodPost)
	if events != nil {
		router.Handle("/ws", events)
	}
	return &Server{
		http: &http.Server{Addr: addr, Handler: router},
	}
}

func (s *Server) Start() {
	go func() {
		log.Printf("INFO: RPC server listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("WARN: RPC server stopped: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
