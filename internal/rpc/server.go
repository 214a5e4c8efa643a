// Package rpc exposes a Helium node's wire methods as a JSON-RPC 2.0 HTTP
// endpoint, plus a WebSocket stream that notifies subscribers of new
// primary-chain tips. Grounded on the teacher's internal/stratum/protocol.go
// request/response envelope, adapted from newline-delimited TCP to HTTP.
package rpc

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/heliumproject/heliumd/internal/chain"
	"github.com/heliumproject/heliumd/internal/engine"
	"github.com/heliumproject/heliumd/internal/tx"
)

// TransactionReceiver admits a transaction submitted over RPC.
type TransactionReceiver interface {
	ReceiveTransaction(t *tx.Transaction) error
}

// BlockReceiver admits a block submitted over RPC.
type BlockReceiver interface {
	ReceiveBlock(block *chain.Block) error
}

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
}

// Server exposes a Helium node's wire protocol over HTTP.
type Server struct {
	eng        *engine.Engine
	txReceiver TransactionReceiver
	blkReceiver BlockReceiver
	logger     *zap.Logger

	upgrader websocket.Upgrader

	mu           sync.Mutex
	lastNotified int64 // height of the last tip notified; -1 means none yet
	subscribers  map[*websocket.Conn]chan blockNotification
}

type blockNotification struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

// New builds a Server over eng, dispatching receive_transaction to
// txReceiver and receive_block to blkReceiver.
func New(eng *engine.Engine, txReceiver TransactionReceiver, blkReceiver BlockReceiver, logger *zap.Logger) *Server {
	return &Server{
		eng:         eng,
		txReceiver:  txReceiver,
		blkReceiver: blkReceiver,
		logger:      logger,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		subscribers:  make(map[*websocket.Conn]chan blockNotification),
		lastNotified: -1,
	}
}

// Handler returns the HTTP mux serving the JSON-RPC endpoint at POST / and
// the notification stream at GET /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	traceID := uuid.New().String()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Debug("malformed rpc request", zap.String("trace_id", traceID), zap.Error(err))
		s.writeJSON(w, Response{JSONRPC: "2.0", Error: "error: malformed request"})
		return
	}

	s.logger.Info("rpc call",
		zap.String("trace_id", traceID),
		zap.String("method", req.Method),
	)

	result := s.dispatch(req.Method, req.Params, traceID)
	s.maybeNotifyNewTip()

	s.writeJSON(w, Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) dispatch(method string, params json.RawMessage, traceID string) interface{} {
	switch method {
	case "receive_transaction":
		return s.receiveTransaction(params)
	case "receive_block":
		return s.receiveBlock(params)
	case "get_block":
		return s.getBlock(params)
	case "get_blockchain_height":
		return s.getBlockchainHeight()
	case "clear_blockchain":
		return s.clearBlockchain()
	case "register_address":
		return s.registerAddress(params)
	case "get_address_list":
		return s.getAddressList()
	default:
		return fmt.Sprintf("error: unknown method %q", method)
	}
}

func (s *Server) receiveTransaction(params json.RawMessage) interface{} {
	var body struct {
		Trx tx.Transaction `json:"trx"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if err := s.txReceiver.ReceiveTransaction(&body.Trx); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return "ok"
}

func (s *Server) receiveBlock(params json.RawMessage) interface{} {
	var body struct {
		Block chain.Block `json:"block"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if err := s.blkReceiver.ReceiveBlock(&body.Block); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return "ok"
}

func (s *Server) getBlock(params json.RawMessage) interface{} {
	var body struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return fmt.Sprintf("error-%v", err)
	}

	s.eng.Lock()
	block, ok := s.eng.BlockAtHeight(body.Height)
	s.eng.Unlock()
	if !ok {
		return fmt.Sprintf("error-no block at height %d", body.Height)
	}
	return block
}

func (s *Server) getBlockchainHeight() interface{} {
	s.eng.Lock()
	defer s.eng.Unlock()
	tip := s.eng.PrimaryTip()
	if tip == nil {
		return -1
	}
	return tip.Height
}

func (s *Server) clearBlockchain() interface{} {
	s.eng.Lock()
	s.eng.SetPrimaryChain(nil)
	s.eng.SetSecondaryChain(nil)
	s.eng.Unlock()
	return "ok"
}

func (s *Server) registerAddress(params json.RawMessage) interface{} {
	var body struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if !isValidAddress(body.Address) {
		return "error: invalid address"
	}

	s.eng.Lock()
	s.eng.AddAddress(body.Address)
	s.eng.Unlock()
	return "ok"
}

func (s *Server) getAddressList() interface{} {
	s.eng.Lock()
	defer s.eng.Unlock()
	return s.eng.AddressList()
}

// isValidAddress reports whether addr has the form ip:port, with a valid
// IPv4 or IPv6 host and 0 < port < 65536.
func isValidAddress(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if net.ParseIP(host) == nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}
	return port > 0 && port < 65536
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write rpc response", zap.Error(err))
	}
}

// maybeNotifyNewTip broadcasts a notification to every WebSocket subscriber
// if the primary tip has advanced past the last height notified.
func (s *Server) maybeNotifyNewTip() {
	s.eng.Lock()
	tip := s.eng.PrimaryTip()
	s.eng.Unlock()
	if tip == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tip.Height <= s.lastNotified {
		return
	}
	s.lastNotified = tip.Height

	notif := blockNotification{Height: tip.Height, Hash: tip.HeaderHash()}
	for _, ch := range s.subscribers {
		select {
		case ch <- notif:
		default:
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ch := make(chan blockNotification, 16)
	s.mu.Lock()
	s.subscribers[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, conn)
		s.mu.Unlock()
		close(ch)
		conn.Close()
	}()

	for notif := range ch {
		if err := conn.WriteJSON(notif); err != nil {
			return
		}
	}
}
