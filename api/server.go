// Package api exposes the engine over HTTP/JSON.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/volbalance/backtest"
	"github.com/rustyeddy/volbalance/dividend"
	"github.com/rustyeddy/volbalance/internal/logger"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/observability"
	"github.com/rustyeddy/volbalance/sim"
	"github.com/rustyeddy/volbalance/worker"
)

// Deps are the collaborators the server routes to. Worker, Runner and
// Metrics may be nil; their routes then answer 503 or 404.
type Deps struct {
	Engine       *sim.Engine
	Dividends    *dividend.Manager
	Worker       *worker.Worker
	Feed         market.Feed
	Runner       *backtest.Runner
	Metrics      *observability.Metrics
	Defaults     sim.Defaults
	Log          *zap.Logger
	QuoteTimeout time.Duration
}

type Server struct {
	Deps
	mux *http.ServeMux
	now func() time.Time
}

func New(d Deps) *Server {
	d.Log = logger.OrNop(d.Log)
	if d.QuoteTimeout <= 0 {
		d.QuoteTimeout = 10 * time.Second
	}
	s := &Server{Deps: d, mux: http.NewServeMux(), now: time.Now}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", s.Metrics.Handler())

	s.mux.HandleFunc("POST /positions", s.handleCreatePosition)
	s.mux.HandleFunc("GET /positions", s.handleListPositions)
	s.mux.HandleFunc("GET /position/{id}", s.handleGetPosition)
	s.mux.HandleFunc("POST /position/{id}/evaluate", s.handleEvaluate)
	s.mux.HandleFunc("POST /position/{id}/auto-size", s.handleAutoSize)
	s.mux.HandleFunc("POST /position/{id}/anchor", s.handleSetAnchor)
	s.mux.HandleFunc("POST /position/{id}/baseline/reset", s.handleResetBaseline)
	s.mux.HandleFunc("GET /position/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /position/{id}/cockpit", s.handleCockpit)
	s.mux.HandleFunc("PUT /position/{id}/config", s.handleUpdateConfig)
	s.mux.HandleFunc("POST /position/{id}/status", s.handleSetStatus)
	s.mux.HandleFunc("GET /position/{id}/trades", s.handleTrades)

	s.mux.HandleFunc("GET /position/{id}/dividends", s.handleListDividends)
	s.mux.HandleFunc("POST /position/{id}/dividends/ex", s.handleExDividend)
	s.mux.HandleFunc("POST /dividends/{id}/pay", s.handlePayDividend)

	s.mux.HandleFunc("POST /worker/enable", s.handleWorkerEnable)
	s.mux.HandleFunc("GET /worker/status", s.handleWorkerStatus)

	s.mux.HandleFunc("POST /simulation", s.handleSimulation)
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readHeaderTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.Log.Info("api listening", zap.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}
