// Package bridge relays swap results to a host application. It serves
// JSON-RPC 2.0 over HTTP and WebSocket and answers every call with the
// envelope the host expects.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klingon-exchange/subswap/internal/backend"
	"github.com/klingon-exchange/subswap/internal/swap"
	"github.com/klingon-exchange/subswap/pkg/logging"
)

// Operator runs swap operations. *swap.Client implements it.
type Operator interface {
	ClaimReverse(ctx context.Context, req *swap.ClaimRequest) (*swap.Result, error)
	ClaimForward(ctx context.Context, req *swap.ClaimRequest) (*swap.Result, error)
	Refund(ctx context.Context, req *swap.RefundRequest) (*swap.Result, error)
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	op       Operator
	chain    backend.Backend
	defaults Defaults
	log      *logging.Logger
	wsHub    *WSHub

	server   *http.Server
	listener net.Listener
	baseCtx  context.Context
	cancel   context.CancelFunc

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Defaults fill in request fields the host leaves empty.
type Defaults struct {
	// FeeRate in sat/vB. Zero asks the chain backend.
	FeeRate float64
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// RequestIDHeader echoes the id assigned to an HTTP request.
const RequestIDHeader = "X-Request-ID"

// paramsError marks handler errors caused by bad input.
type paramsError struct{ err error }

func (e *paramsError) Error() string { return e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

func invalidParams(format string, args ...interface{}) error {
	return &paramsError{err: fmt.Errorf(format, args...)}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithBackend sets the chain backend used for fee rates and the tip height.
func WithBackend(b backend.Backend) Option {
	return func(s *Server) { s.chain = b }
}

// WithDefaults sets request defaults.
func WithDefaults(d Defaults) Option {
	return func(s *Server) { s.defaults = d }
}

// NewServer creates a new JSON-RPC server.
func NewServer(op Operator, opts ...Option) *Server {
	s := &Server{
		op:       op,
		handlers: make(map[string]Handler),
		wsHub:    NewWSHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.GetDefault()
	}
	s.log = s.log.Component("bridge")
	s.wsHub.log = s.log.Component("ws")
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	s.registerHandlers()
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["swap_claimReverse"] = s.swapClaimReverse
	s.handlers["swap_claimForward"] = s.swapClaimForward
	s.handlers["swap_refund"] = s.swapRefund
}

// Register adds or replaces a method handler.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Handler returns the HTTP handler serving JSON-RPC and WebSocket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the bridge server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run(s.baseCtx)

	// Swap operations block on the swap service, so the write timeout
	// leaves room for a full cooperative round.
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("Bridge server error", "error", err)
		}
	}()

	s.log.Info("Bridge server started", "addr", listener.Addr().String(),
		"ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the bridge server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set(RequestIDHeader, requestID)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, errorResponse(nil, ParseError, "Parse error", nil))
		return
	}

	s.writeResponse(w, s.dispatch(r.Context(), requestID, &req))
}

// dispatch runs one request and builds its response.
func (s *Server) dispatch(ctx context.Context, requestID string, req *Request) *Response {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, InvalidRequest, "Invalid Request", nil)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		return errorResponse(req.ID, MethodNotFound, "Method not found", req.Method)
	}

	log := s.log.With("request", requestID, "method", req.Method)
	log.Debug("Bridge request")

	result, err := handler(ctx, req.Params)
	if err != nil {
		code := InternalError
		if _, ok := err.(*paramsError); ok {
			code = InvalidParams
		}
		log.Warn("Bridge request failed", "error", err)
		return errorResponse(req.ID, code, err.Error(), nil)
	}

	return &Response{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func errorResponse(id interface{}, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// writeResponse writes a response.
func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Allow requests from any origin (for embedded web views)
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400") // Cache preflight for 24 hours

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
