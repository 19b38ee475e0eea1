package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/bnb-chain/eth-gateway/config"
	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/metrics"
)

// maxSniffSize is how much of a request body is inspected for method names.
const maxSniffSize = 64 * 1024

// API is a receiver whose exported methods are served as <Namespace>_<method>.
type API struct {
	Namespace string
	Service   interface{}
}

// Server serves the registered APIs over HTTP and websocket on one address.
type Server struct {
	cfg        *config.RPCConfig
	rpc        *rpc.Server
	limiter    *rate.Limiter
	httpServer *http.Server
}

func NewServer(cfg *config.RPCConfig, apis []API) (*Server, error) {
	srv := rpc.NewServer()
	for _, api := range apis {
		if err := srv.RegisterName(api.Namespace, api.Service); err != nil {
			return nil, err
		}
	}
	s := &Server{cfg: cfg, rpc: srv}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.RequestBurst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return s, nil
}

// Handler routes websocket upgrades to the websocket transport and anything
// else to the HTTP transport.
func (s *Server) Handler() http.Handler {
	ws := s.rpc.WebsocketHandler(s.cfg.WSAllowedOrigins)
	router := mux.NewRouter()
	router.Headers("Upgrade", "websocket").Handler(ws)
	router.PathPrefix("/").Handler(s.rpc)

	origins := s.cfg.CorsAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
		AllowedHeaders: []string{"*"},
		MaxAge:         600,
	}).Handler(router)
	return s.instrument(handler)
}

// instrument counts requests per JSON-RPC method and applies the rate limit.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods := sniffMethods(r)
		if s.limiter != nil && !s.limiter.Allow() {
			countRequests(methods, "rate_limited")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		countRequests(methods, "served")
		next.ServeHTTP(w, r)
	})
}

func countRequests(methods []string, status string) {
	for _, method := range methods {
		metrics.RPCRequestCounter.WithLabelValues(method, status).Inc()
	}
}

type methodCall struct {
	Method string `json:"method"`
}

// sniffMethods reads the method names of a single or batch request and
// restores the body for the rpc server.
func sniffMethods(r *http.Request) []string {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return []string{"ws_connect"}
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return nil
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, maxSniffSize))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	if err != nil {
		return nil
	}

	trimmed := bytes.TrimSpace(head)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []methodCall
		if json.Unmarshal(trimmed, &batch) != nil {
			return []string{"unknown"}
		}
		methods := make([]string, 0, len(batch))
		for _, call := range batch {
			methods = append(methods, call.Method)
		}
		return methods
	}
	var call methodCall
	if json.Unmarshal(trimmed, &call) != nil {
		return []string{"unknown"}
	}
	return []string{call.Method}
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.GetHTTPAddress())
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Logger.Infof("json-rpc server listening on %s", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()
	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.Stop()
		return nil
	}
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Logger.Errorf("failed to shutdown json-rpc server, err=%s", err.Error())
		}
	}
	s.rpc.Stop()
}

// InProc returns a client talking to the server without a transport.
func (s *Server) InProc() *rpc.Client {
	return rpc.DialInProc(s.rpc)
}
