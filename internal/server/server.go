package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/mockproxy/internal/config"
	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/internal/mock"
	"github.com/funnyzak/mockproxy/internal/mockfile"
	"github.com/funnyzak/mockproxy/internal/notify"
	"github.com/funnyzak/mockproxy/internal/printer"
	"github.com/funnyzak/mockproxy/internal/proxy"
	"github.com/funnyzak/mockproxy/internal/storage"
	"github.com/funnyzak/mockproxy/internal/web"
)

const shutdownTimeout = 30 * time.Second

// Server runs the proxy listener, the dashboard API and the background
// loops that share one store.
type Server struct {
	config    *config.Config
	logger    logger.Logger
	store     storage.Store
	hub       *notify.Hub
	forwarder *proxy.Forwarder
	mocks     *mock.Service
	proxy     http.Handler
	dashboard http.Handler

	mu        sync.Mutex
	proxyAddr net.Addr
	dashAddr  net.Addr
	ready     chan struct{}
	readyOnce sync.Once
}

// New wires every component from cfg. The store is opened here and closed
// when Run returns.
func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	base, err := storage.New(&cfg.Storage, log.With("component", "storage"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	hub := notify.NewHub(notify.Options{
		Buffer:            cfg.Dashboard.ObserverBuffer,
		MaxObservers:      cfg.Dashboard.MaxObservers,
		HeartbeatInterval: cfg.Dashboard.HeartbeatInterval,
	}, log.With("component", "notify"))

	observers := []storage.LogObserver{hub}
	if obs := printer.NewObserver(printer.New(log, &cfg.Output), log); obs != nil {
		observers = append(observers, obs)
	}
	store := storage.WithObserver(base, storage.Observers(observers...))
	mocks := mock.NewService(store, log.With("component", "mock"))

	if seed := cfg.Mocks.SeedFile; seed != "" {
		entries, err := mockfile.Load(seed)
		if err == nil {
			var n int
			n, err = mockfile.Import(mocks, entries)
			log.Info("Seed mocks imported", "file", seed, "count", n)
		}
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("seed mocks: %w", err)
		}
	}

	fwd, err := proxy.NewForwarder(log.With("component", "forwarder"), proxy.Options{
		Target:        cfg.Proxy.Target,
		Secure:        cfg.Proxy.Secure,
		Timeout:       time.Duration(cfg.Proxy.Timeout) * time.Second,
		MaxConcurrent: cfg.Proxy.MaxConcurrent,
		PathStrategy:  pathStrategyOptions(cfg.Proxy.PathStrategy),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	interceptor := proxy.NewInterceptor(
		store,
		mock.NewExactMatcher(store, log),
		fwd,
		log.With("component", "proxy"),
		proxy.InterceptorOptions{
			MaxBodyBytes:    cfg.Proxy.MaxBodyBytes,
			MaxCaptureBytes: cfg.Proxy.MaxCaptureBytes,
			Filter:          proxy.NewLogFilter(cfg.Proxy.LogFilter.IgnorePrefixes, cfg.Proxy.LogFilter.StaticExtensions),
		},
	)

	s := &Server{
		config:    cfg,
		logger:    log,
		store:     store,
		hub:       hub,
		forwarder: fwd,
		mocks:     mocks,
		proxy:     interceptor,
		ready:     make(chan struct{}),
	}
	if cfg.Dashboard.Enable {
		s.dashboard = web.NewService(cfg, store, mocks, hub, log.With("component", "web")).Handler()
	}
	return s, nil
}

func pathStrategyOptions(cfg config.PathStrategyConfig) proxy.PathStrategyOptions {
	opts := proxy.PathStrategyOptions{Mode: cfg.Mode, StripPrefix: cfg.StripPrefix}
	for _, rule := range cfg.Rules {
		opts.Rules = append(opts.Rules, proxy.RewriteRuleOption{
			Name:    rule.Name,
			Match:   rule.Match,
			Replace: rule.Replace,
			Regex:   rule.Regex,
		})
	}
	return opts
}

// Start runs the server until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Ready is closed once the listeners are bound, or when Run fails before
// binding them. ProxyAddr is nil in the latter case.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// ProxyAddr returns the bound proxy address, or nil before Ready.
func (s *Server) ProxyAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxyAddr
}

// DashboardAddr returns the bound dashboard address, or nil when the
// dashboard is disabled.
func (s *Server) DashboardAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dashAddr
}

// Run serves until ctx is cancelled, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	defer s.markReady()
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Failed to close store", "error", err)
		}
	}()

	proxySrv, proxyLn, useTLS, err := s.proxyServer()
	if err != nil {
		return err
	}

	var dashSrv *http.Server
	var dashLn net.Listener
	if s.dashboard != nil {
		dashSrv = &http.Server{
			Handler:           s.dashboard,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		dashLn, err = net.Listen("tcp", fmt.Sprintf(":%d", s.config.Dashboard.Port))
		if err != nil {
			proxyLn.Close()
			return fmt.Errorf("listen dashboard: %w", err)
		}
	}

	s.mu.Lock()
	s.proxyAddr = proxyLn.Addr()
	if dashLn != nil {
		s.dashAddr = dashLn.Addr()
	}
	s.mu.Unlock()
	s.markReady()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.Info("Proxy listening",
			"addr", proxyLn.Addr().String(),
			"target", s.config.Proxy.Target,
			"tls", useTLS,
			"h2c", s.config.Proxy.H2C && !useTLS,
		)
		var err error
		if useTLS {
			err = proxySrv.ServeTLS(proxyLn, "", "")
		} else {
			err = proxySrv.Serve(proxyLn)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("proxy server: %w", err)
	})

	if dashSrv != nil {
		group.Go(func() error {
			s.logger.Info("Dashboard API listening",
				"addr", dashLn.Addr().String(),
				"api_path", s.config.Dashboard.APIPath,
			)
			if err := dashSrv.Serve(dashLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard server: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		return s.hub.Run(gctx)
	})

	if s.config.Storage.Retention > 0 {
		group.Go(func() error {
			s.retentionLoop(gctx)
			return nil
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := proxySrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Proxy forced to shutdown", "error", err)
		}
		if dashSrv != nil {
			if err := dashSrv.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("Dashboard forced to shutdown", "error", err)
			}
		}
		s.forwarder.Close()
		return nil
	})

	err = group.Wait()
	s.logger.Info("Server exited")
	return err
}

// proxyServer builds the proxy http.Server and binds its listener. A TLS
// certificate that cannot be loaded downgrades the listener to plain HTTP.
func (s *Server) proxyServer() (*http.Server, net.Listener, bool, error) {
	srv := &http.Server{
		Handler:           s.proxy,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	useTLS := false
	if tlsCfg := s.config.TLS; tlsCfg.Enable {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
		if err != nil {
			s.logger.Error("Failed to load TLS certificate, falling back to HTTP",
				"cert_path", tlsCfg.CertPath,
				"key_path", tlsCfg.KeyPath,
				"error", err,
			)
		} else {
			srv.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
				s.logger.Warn("HTTP/2 unavailable on TLS listener", "error", err)
			}
			useTLS = true
		}
	}
	if !useTLS && s.config.Proxy.H2C {
		srv.Handler = h2c.NewHandler(s.proxy, &http2.Server{})
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Proxy.Port))
	if err != nil {
		return nil, nil, false, fmt.Errorf("listen proxy: %w", err)
	}
	return srv, ln, useTLS, nil
}

func (s *Server) retentionLoop(ctx context.Context) {
	interval := s.config.Storage.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneExpired(time.Now())
		}
	}
}

func (s *Server) pruneExpired(now time.Time) {
	cutoff := now.Add(-s.config.Storage.Retention)
	removed, err := s.store.ClearRequestLogsBefore(cutoff)
	if err != nil {
		s.logger.Error("Retention cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("Expired request logs removed", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
}
