package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/throttlekit/throttled/internal/config"
	"github.com/throttlekit/throttled/internal/db"
	"github.com/throttlekit/throttled/internal/http/api/admin"
	"github.com/throttlekit/throttled/internal/http/api/front"
	"github.com/throttlekit/throttled/internal/metrics"
	"github.com/throttlekit/throttled/internal/policystore"
	"github.com/throttlekit/throttled/internal/ratelimit"
	"github.com/throttlekit/throttled/internal/watcher"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// Server owns the rate limit engine, its policy sources and the HTTP boundary.
type Server struct {
	cfg         config.AppConfig
	manager     *ratelimit.Manager
	set         *watcher.PolicySet
	fileWatcher *watcher.FileWatcher
	poller      *watcher.DBPoller
	conn        *gorm.DB
	engine      *gin.Engine
}

// Migrate opens the policy database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	dsn, err := cfg.DatabaseDSN()
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(conn) }()
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	count, errCount := CountPersistedPolicies(conn)
	if errCount != nil {
		return errCount
	}
	log.Infof("policy database migrated (%s, policies=%d)", describeDSN(dsn), count)
	return nil
}

// NewServer wires the engine and starts the policy sources. Background loops stop
// when ctx is done or Close is called.
func NewServer(ctx context.Context, cfg config.AppConfig) (*Server, error) {
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	s := &Server{cfg: cfg}
	s.manager = ratelimit.NewManager(cfg.ToSettings(), ratelimit.WithObserver(collector))
	s.set = watcher.NewPolicySet(s.manager.Registry())

	configPolicies, errPolicies := config.ToPolicies(cfg.Policies)
	if errPolicies != nil {
		_ = s.Close()
		return nil, errPolicies
	}
	if errSet := s.set.Set(watcher.SourceConfig, configPolicies); errSet != nil {
		_ = s.Close()
		return nil, errSet
	}

	if cfg.PoliciesFile != "" {
		s.fileWatcher = watcher.NewFileWatcher(cfg.PoliciesFile, s.set)
		if errStart := s.fileWatcher.Start(ctx); errStart != nil {
			_ = s.Close()
			return nil, fmt.Errorf("start policy file watcher: %w", errStart)
		}
	}

	var store *policystore.Store
	if dsn, errDSN := cfg.DatabaseDSN(); errDSN == nil {
		conn, errOpen := db.Open(dsn)
		if errOpen != nil {
			_ = s.Close()
			return nil, errOpen
		}
		s.conn = conn
		if errMigrate := db.Migrate(conn); errMigrate != nil {
			_ = s.Close()
			return nil, errMigrate
		}
		store = policystore.New(conn)
		s.poller = watcher.NewDBPoller(store, s.set, cfg.PolicyPollInterval)
		if errStart := s.poller.Start(ctx); errStart != nil {
			_ = s.Close()
			return nil, fmt.Errorf("start db policy poller: %w", errStart)
		}
		log.Infof("policy database enabled (%s)", describeDSN(dsn))
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	front.RegisterFrontRoutes(engine, s.manager)
	admin.RegisterAdminRoutes(engine, s.conn, s.manager, watcher.NewPolicyService(s.set, store, s.poller), cfg.Admin)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	s.engine = engine
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Manager returns the decision engine.
func (s *Server) Manager() *ratelimit.Manager {
	return s.manager
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	settings := s.manager.Settings()
	log.Infof("throttled listening on %s (backend=%s failure_mode=%s policies=%d config=%s)",
		s.cfg.Listen, settings.Backend, settings.FailureMode, len(s.manager.Registry().List()), s.cfg.ConfigPath)

	select {
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", errServe)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("http shutdown: %w", errShutdown)
	}
	log.Info("throttled stopped")
	return nil
}

// Close stops the policy sources and releases the engine and database.
func (s *Server) Close() error {
	if s.fileWatcher != nil {
		if errStop := s.fileWatcher.Stop(); errStop != nil {
			log.WithError(errStop).Warn("stop policy file watcher")
		}
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	var errs []error
	if s.manager != nil {
		errs = append(errs, s.manager.Close())
	}
	if s.conn != nil {
		errs = append(errs, db.Close(s.conn))
	}
	return errors.Join(errs...)
}

// RunServer builds the server and serves until ctx is done.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	s, err := NewServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := s.Close(); errClose != nil {
			log.WithError(errClose).Warn("close server")
		}
	}()
	return s.Run(ctx)
}
