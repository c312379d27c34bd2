package api

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/flowfw/pkg/config"
	"github.com/psaab/flowfw/pkg/dataplane"
	"github.com/psaab/flowfw/pkg/logging"
)

// DefaultCertDir holds the generated certificate when HTTPS is enabled.
const DefaultCertDir = "/etc/flowfw/tls"

// Config configures the API server.
type Config struct {
	Addr      string
	HTTPSAddr string      // HTTPS listen address (empty = no HTTPS)
	TLS       bool        // enable HTTPS with auto-generated certificate
	CertDir   string      // defaults to DefaultCertDir
	Auth      *AuthConfig // nil = no authentication

	Engine     dataplane.Controller
	Interfaces config.Resolver
	EventBuf   *logging.EventBuffer
	// Queues reports packet queue counters; nil when no queues run.
	Queues func() []QueueStats
	// Reload re-reads the configuration file and loads it.
	Reload func(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	httpServer  *http.Server
	httpsServer *http.Server
	handler     http.Handler

	engine    dataplane.Controller
	ifs       config.Resolver
	eventBuf  *logging.EventBuffer
	queues    func() []QueueStats
	reload    func(ctx context.Context) error
	startTime time.Time
}

// route binds a method pattern to a handler.
type route struct {
	pattern string
	handler http.HandlerFunc
}

func (s *Server) routes() []route {
	const v1 = "/api/v1"
	return []route{
		{"GET /health", s.healthHandler},

		{"GET " + v1 + "/status", s.statusHandler},
		{"GET " + v1 + "/stats", s.statsHandler},
		{"GET " + v1 + "/queues", s.queuesHandler},

		{"GET " + v1 + "/tables", s.tablesHandler},
		{"GET " + v1 + "/tables/{name}", s.tableHandler},
		{"GET " + v1 + "/tables/{name}/lookup", s.tableLookupHandler},
		{"POST " + v1 + "/tables/{name}/entries", s.tableInsertHandler},
		{"DELETE " + v1 + "/tables/{name}/entries", s.tableRemoveHandler},
		{"POST " + v1 + "/tables/{name}/flush", s.tableFlushHandler},

		{"GET " + v1 + "/rules", s.rulesHandler},
		{"GET " + v1 + "/nat", s.natHandler},
		{"GET " + v1 + "/rules/{group}", s.dynamicListHandler},
		{"POST " + v1 + "/rules/{group}", s.dynamicAddHandler},
		{"DELETE " + v1 + "/rules/{group}/{key}", s.dynamicRemoveHandler},
		{"POST " + v1 + "/rules/{group}/flush", s.dynamicFlushHandler},

		{"GET " + v1 + "/conns", s.connsHandler},
		{"GET " + v1 + "/conns/summary", s.connSummaryHandler},
		{"POST " + v1 + "/conns/flush", s.connFlushHandler},

		{"GET " + v1 + "/events", s.eventsHandler},
		{"GET " + v1 + "/events/stream", s.eventStreamHandler},
		{"GET " + v1 + "/logs/stream", s.logStreamHandler},

		{"GET " + v1 + "/config/export", s.configExportHandler},
		{"POST " + v1 + "/config/reload", s.configReloadHandler},
	}
}

// NewServer builds the server. HTTPS is enabled when cfg.TLS is set and
// a certificate can be loaded or generated.
func NewServer(cfg Config) *Server {
	s := &Server{
		engine:    cfg.Engine,
		ifs:       cfg.Interfaces,
		eventBuf:  cfg.EventBuf,
		queues:    cfg.Queues,
		reload:    cfg.Reload,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	for _, rt := range s.routes() {
		mux.HandleFunc(rt.pattern, rt.handler)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.handler = mux
	if cfg.Auth != nil {
		s.handler = authMiddleware(*cfg.Auth, mux)
	}
	s.httpServer = s.newHTTPServer(cfg.Addr)

	if cfg.TLS && cfg.HTTPSAddr != "" {
		dir := cmp.Or(cfg.CertDir, DefaultCertDir)
		cert, err := loadOrCreateCert(dir, cfg.HTTPSAddr)
		if err != nil {
			slog.Warn("https disabled, no certificate", "dir", dir, "err", err)
		} else {
			s.httpsServer = s.newHTTPServer(cfg.HTTPSAddr)
			s.httpsServer.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
	}
	return s
}

func (s *Server) newHTTPServer(addr string) *http.Server {
	return &http.Server{Addr: addr, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
}

// Handler returns the HTTP handler with authentication applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	servers := []*http.Server{s.httpServer}
	if s.httpsServer != nil {
		servers = append(servers, s.httpsServer)
	}
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			secure := srv.TLSConfig != nil
			slog.Info("api listening", "addr", srv.Addr, "tls", secure)
			var err error
			if secure {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(sctx)
	}
	return err
}
