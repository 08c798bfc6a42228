package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
)

// Server serves a Monitor's aggregate and per-component health over
// HTTP, with one path for the rolled-up view and a second for the raw
// breakdown, and the same NewServer/Start/Stop/Address lifecycle as
// metric.Server.
type Server struct {
	addr       string
	path       string
	systemName string
	monitor    *Monitor

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a health server. path defaults to "/health" and
// addr to ":9091" when empty/zero.
func NewServer(addr, path, systemName string, monitor *Monitor) *Server {
	if path == "" {
		path = "/health"
	}
	if addr == "" {
		addr = ":9091"
	}
	if systemName == "" {
		systemName = "yangstore"
	}
	return &Server{addr: addr, path: path, systemName: systemName, monitor: monitor}
}

// Start begins serving in the background; it returns once the listener
// is ready to accept connections. Call Stop to shut down.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("health: server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, func(w http.ResponseWriter, _ *http.Request) {
		agg := s.monitor.AggregateHealth(s.systemName)
		w.Header().Set("Content-Type", "application/json")
		if agg.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(agg)
	})
	mux.HandleFunc(s.path+"/components", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.monitor.GetAll())
	})

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health: start server: %w", err)
	}
	srv := &http.Server{Addr: s.addr, Handler: mux}
	s.server = srv
	go func() { _ = srv.Serve(ln) }()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	return err
}

// Address reports the URL clients should poll for the aggregate view.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s%s", s.addr, s.path)
}
