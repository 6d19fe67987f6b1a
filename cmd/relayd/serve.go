package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/anamnesos/squidrelay/internal/audit"
	"github.com/anamnesos/squidrelay/internal/config"
	"github.com/anamnesos/squidrelay/internal/metrics"
	"github.com/anamnesos/squidrelay/internal/pairing"
	"github.com/anamnesos/squidrelay/internal/pending"
	"github.com/anamnesos/squidrelay/internal/ratelimit"
	"github.com/anamnesos/squidrelay/internal/registry"
	"github.com/anamnesos/squidrelay/internal/router"
	"github.com/anamnesos/squidrelay/internal/wsconn"
)

const auditRingCapacity = 512

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay's WebSocket, metrics, and debug endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

type server struct {
	reg    *registry.Registry
	router *router.Router
	ring   *audit.Ring
	met    *metrics.Metrics
	log    zerolog.Logger
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadRelay()
	if err != nil {
		return errors.Wrap(err, "load relay config")
	}

	logger := log.With().Str("service", "relayd").Logger()

	reg := registry.New(cfg.SharedSecret, cfg.DeviceAllowlist, logger)
	pend := pending.New(cfg.PendingTTL, logger)
	pair := pairing.New(cfg.PublicURL, logger)
	limiter := ratelimit.New(20, 40)

	ring := audit.NewRing(auditRingCapacity)
	pend.Observe(ring.Observer())

	met := metrics.New(prometheus.DefaultRegisterer)
	pend.Observe(met.PendingObserver())

	rt := router.New(reg, pend, pair, limiter, cfg.PendingTTL, logger)
	rt.OnFrame(met.RecordFrame)
	rt.OnPairingResult(met.RecordPairingResult)

	srv := &server{reg: reg, router: rt, ring: ring, met: met, log: logger}
	go srv.pollConnectedDevices(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/recent", srv.handleDebugRecent)

	httpSrv := &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpSrv.Addr).Msg("relay listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "relay http server")
		}
		return nil
	}
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := wsconn.New(ws, r.RemoteAddr)
	sess := router.NewSession(conn)

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			s.router.Disconnect(sess)
			return
		}
		s.router.HandleFrame(sess, raw)
	}
}

// pollConnectedDevices keeps the ConnectedDevices gauge current; the
// registry has no change-notification hook of its own, so a short poll is
// simpler than threading a callback through every register/evict path.
func (s *server) pollConnectedDevices(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.met.ConnectedDevices.Set(float64(len(s.reg.List())))
		}
	}
}

func (s *server) handleDebugRecent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.ring.Recent())
}

