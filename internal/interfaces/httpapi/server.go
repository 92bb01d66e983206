package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"signalpipe/internal/application/service"
)

// Server is the HTTP surface: the webhook ingest endpoint, the admin/ops
// routes, the Prometheus scrape endpoint and the live event feed.
type Server struct {
	pipeline *service.Pipeline
	wal      *service.WalService
	retry    *service.RetryService
	hub      *Hub

	maxBodyBytes int64
	srv          *http.Server
}

func NewServer(
	addr string,
	readTimeout, writeTimeout time.Duration,
	maxBodyBytes int64,
	pipeline *service.Pipeline,
	wal *service.WalService,
	retry *service.RetryService,
	hub *Hub,
) *Server {
	s := &Server{
		pipeline:     pipeline,
		wal:          wal,
		retry:        retry,
		hub:          hub,
		maxBodyBytes: maxBodyBytes,
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook", s.handleWebhook)

	mux.HandleFunc("POST /admin/pause", s.handlePause)
	mux.HandleFunc("POST /admin/resume", s.handleResume)
	mux.HandleFunc("GET /admin/wal/stats", s.handleWalStats)
	mux.HandleFunc("GET /admin/retry/stats", s.handleRetryStats)
	mux.HandleFunc("POST /admin/retry/", s.handleRetryReplay)
	mux.HandleFunc("POST /admin/wal/purge", s.handleWalPurge)
	mux.HandleFunc("POST /admin/retry/purge", s.handleRetryPurge)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.Handle)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"paused":  s.pipeline.Paused(),
		"breaker": s.pipeline.BreakerState(),
	})
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("http server shutting down")
		return s.srv.Shutdown(shutdownCtx)
	}
}
