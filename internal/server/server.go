// Package server exposes the harness to front-ends: a JSON-RPC 2.0 surface
// over WebSocket, push notifications for channel messages and pool changes,
// the loopback tool endpoint for child agents, and a health probe.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dispatchd/internal/engine"
	"github.com/dispatchd/internal/pool"
	"github.com/dispatchd/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Front-ends connect from local tooling; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type methodFunc func(ctx context.Context, params json.RawMessage) (interface{}, *types.RPCError)

// Server binds the RPC facade to an engine.
type Server struct {
	Engine *engine.Engine
	Addr   string

	hub       *Hub
	methods   map[string]methodFunc
	httpSrv   *http.Server
	ln        net.Listener
	startedAt time.Time
}

func New(e *engine.Engine, addr string) *Server {
	s := &Server{Engine: e, Addr: addr, hub: NewHub(), startedAt: time.Now()}
	s.methods = s.buildMethods()
	return s
}

// Hub exposes the notification fan-out, mainly for the WSProvider.
func (s *Server) Hub() *Hub { return s.hub }

// Start binds the listener and serves in the background. The engine's tool
// URL is derived from the bound address so child agents reach the same
// listener.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/tools", s.Engine.Tools).Methods(http.MethodPost)

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr, err)
	}
	s.ln = ln
	s.Engine.ToolsURL = fmt.Sprintf("http://%s/tools", ln.Addr().String())

	s.httpSrv = &http.Server{Handler: r}
	go s.hub.Run()
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[server] serve: %v", err)
		}
	}()

	// Push pool deltas and compaction notices to connected clients.
	s.Engine.Pool.OnChange(func(snapshot []pool.Snapshot) {
		s.hub.Notify(types.NotifyPoolStatus, map[string]interface{}{"agents": snapshot})
	})
	s.Engine.Sup.OnCompaction = func(dispatchID string) {
		s.hub.Notify(types.NotifyContextCompacted, map[string]string{"dispatch_id": dispatchID})
	}

	log.Printf("[server] listening on %s", ln.Addr().String())
	return nil
}

// Stop shuts the listener and hub down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// URL returns the bound address, valid after Start.
func (s *Server) URL() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] upgrade: %v", err)
		return
	}
	client := &Client{hub: s.hub, conn: conn, send: make(chan []byte, wsBufferSize), server: s}
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"agents":         s.Engine.Pool.Size(),
		"clients":        s.hub.ClientCount(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// dispatch routes one JSON-RPC request to its method.
func (s *Server) dispatch(req *types.RPCRequest) types.RPCResponse {
	method, ok := s.methods[req.Method]
	if !ok {
		return types.RPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &types.RPCError{Code: types.CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)},
		}
	}
	result, rpcErr := method(context.Background(), req.Params)
	if rpcErr != nil {
		return types.RPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return types.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}
