package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prismhq/prism/internal/config"
	"github.com/prismhq/prism/internal/db"
	internalhttp "github.com/prismhq/prism/internal/http/api/admin"
	"github.com/prismhq/prism/internal/ledger"
	"github.com/prismhq/prism/internal/logging"
	"github.com/prismhq/prism/internal/metrics"
	"github.com/prismhq/prism/internal/profile"
	"github.com/prismhq/prism/internal/proxyserver"
	"github.com/prismhq/prism/internal/ratelimit"
	"github.com/prismhq/prism/internal/relay"
	"github.com/prismhq/prism/internal/retention"
	internalsettings "github.com/prismhq/prism/internal/settings"
	"github.com/prismhq/prism/internal/stats"
	"github.com/prismhq/prism/internal/store"
	"github.com/prismhq/prism/internal/watcher"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	statusWriteTimeout = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// Migrate opens the configured database and runs migrations.
func Migrate(ctx context.Context, cfg config.Config) error {
	conn, err := db.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	summary, _ := describeDSN(cfg.DatabaseDSN)
	log.Infof("migrated %s database", summary.String())
	return nil
}

// RunServer boots the admin API, the proxy listener, and the background workers,
// and blocks until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.Config) error {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	conn, err := db.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	summary, _ := describeDSN(cfg.DatabaseDSN)
	log.Infof("using %s database", summary.String())

	settings := internalsettings.NewStore(conn)
	if errReload := settings.Reload(ctx); errReload != nil {
		return fmt.Errorf("load settings: %w", errReload)
	}

	collector := metrics.New(nil)
	gormStore := store.NewGormStore(conn, settings)

	profiles := profile.NewStore(gormStore)
	if errLoad := profiles.Load(ctx); errLoad != nil {
		return fmt.Errorf("load profiles: %w", errLoad)
	}
	logProfileState(profiles)

	broker := ledger.NewBroker(collector.SubscriberDropped)
	requestLedger := ledger.New(conn, broker)
	recorder := ledger.NewRecorder(requestLedger, ledger.DefaultRecorderQueue, ledger.RecorderHooks{
		Dropped: collector.LedgerDropped,
		Failed:  collector.LedgerError,
	})

	limiter := ratelimit.NewManager(ratelimit.SettingsFromStore(settings, rateLimitBase(cfg.RateLimit)), nil, nil)
	defer func() {
		if errClose := limiter.Close(); errClose != nil {
			log.WithError(errClose).Warn("ratelimit: close redis")
		}
	}()

	proxyRelay := relay.New(relay.Options{
		Profiles: profiles,
		Upstream: relay.NewHTTPUpstream(cfg.Upstream.Timeout, cfg.Upstream.ConnectTimeout),
		Recorder: recorder,
		Settings: settings,
		Limiter:  limiter,
		Metrics:  collector,
		Tokens:   relay.NewTokenCounter(),
	})

	manager := proxyserver.NewManager(proxyRelay.Handler(), proxyserver.Options{
		DrainTimeout: cfg.DrainTimeout,
		OnChange: func(status proxyserver.Status) {
			collector.ProxyRunning(status.IsRunning)
			if status.State == proxyserver.StateRunning {
				collector.ProxyStarted()
			}
			saveCtx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
			defer cancel()
			if errSave := gormStore.SaveProxyStatus(saveCtx, status); errSave != nil {
				log.WithError(errSave).Warn("proxy: persist status")
			}
		},
	})

	proxyCfg, errProxyCfg := resolveProxyConfig(ctx, gormStore, cfg.Proxy)
	if errProxyCfg != nil {
		return errProxyCfg
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), corsMiddleware())
	internalhttp.RegisterAdminRoutes(engine, internalhttp.Deps{
		DB:       conn,
		Profiles: profiles,
		Ledger:   requestLedger,
		Stats:    stats.NewAggregator(conn, time.Local),
		Proxy:    manager,
		Configs:  gormStore,
		Settings: settings,
		Metrics:  collector,
		Token:    cfg.Admin.Token,
	})
	adminServer := &http.Server{
		Addr:              cfg.Admin.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := retention.NewScheduler(requestLedger, collector, cfg.Retention)
	if _, errRun := scheduler.RunOnce(ctx); errRun != nil {
		log.WithError(errRun).Warn("retention: startup cleanup failed")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	// Long-lived admin streams end when the server shuts down.
	adminServer.BaseContext = func(net.Listener) context.Context { return groupCtx }

	group.Go(func() error {
		// Queued writes are flushed after cancellation.
		recorder.Run(context.WithoutCancel(groupCtx))
		return nil
	})

	if errStart := manager.Start(proxyCfg); errStart != nil {
		log.WithError(errStart).Errorf("proxy: failed to start on %s", proxyCfg.Addr())
	} else {
		log.Infof("proxy listening on %s", proxyCfg.Addr())
	}

	group.Go(func() error {
		log.Infof("admin API listening on %s", adminServer.Addr)
		if errServe := adminServer.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", errServe)
		}
		return nil
	})

	group.Go(func() error {
		if errStart := scheduler.Start(groupCtx); errStart != nil {
			log.WithError(errStart).Error("retention: scheduler not started")
		}
		return nil
	})

	if cfg.Path != "" && config.ConfigExists(cfg.Path) {
		configWatcher := watcher.New(cfg.Path, func(next config.Config) {
			logging.SetDebug(next.Debug)
			log.Info("config reloaded; bind addresses and database changes apply on restart")
		})
		group.Go(func() error {
			if errWatch := configWatcher.Run(groupCtx); errWatch != nil {
				log.WithError(errWatch).Warn("watcher: stopped")
			}
			return nil
		})
	}

	if key := settings.ProxyAPIKey(); key != "" {
		log.Infof("proxy api key: %s (auth enabled: %t)", logging.MaskSecret(key), settings.AuthEnabled())
	}

	group.Go(func() error {
		<-groupCtx.Done()
		// The proxy drains first so its final ledger writes reach the recorder before it closes.
		if errStop := manager.Stop(context.Background()); errStop != nil {
			log.WithError(errStop).Warn("proxy: stop")
		}
		recorder.Close()
		scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := adminServer.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("admin server shutdown")
		}
		return nil
	})

	errWait := group.Wait()
	log.Info("prism stopped")
	return errWait
}

// resolveProxyConfig returns the stored proxy config, seeding it from the file config on first run.
func resolveProxyConfig(ctx context.Context, configs proxyserver.ConfigStore, seed proxyserver.Config) (proxyserver.Config, error) {
	stored, ok, errLoad := configs.LoadProxyConfig(ctx)
	if errLoad != nil {
		return proxyserver.Config{}, fmt.Errorf("load proxy config: %w", errLoad)
	}
	if ok {
		return stored, nil
	}
	if errSave := configs.SaveProxyConfig(ctx, seed); errSave != nil {
		return proxyserver.Config{}, fmt.Errorf("save proxy config: %w", errSave)
	}
	return seed, nil
}

// rateLimitBase maps the file config onto the limiter defaults. DB settings override it.
func rateLimitBase(cfg config.RateLimitConfig) ratelimit.SettingsConfig {
	base := ratelimit.DefaultSettingsConfig()
	base.Limit = cfg.Limit
	base.RedisEnabled = cfg.Redis.Enabled
	if cfg.Redis.Addr != "" {
		base.RedisAddr = cfg.Redis.Addr
	}
	base.RedisPassword = cfg.Redis.Password
	base.RedisDB = cfg.Redis.DB
	if cfg.Redis.Prefix != "" {
		base.RedisPrefix = cfg.Redis.Prefix
	}
	return base
}

func logProfileState(profiles *profile.Store) {
	list := profiles.List()
	if len(list) == 0 {
		log.Info("no profiles configured; create one with POST /v0/admin/profiles")
		return
	}
	if active := profiles.Active(); active != nil {
		log.Infof("loaded %d profiles, active: %s", len(list), active.Profile.Name)
		return
	}
	log.Infof("loaded %d profiles, none active", len(list))
}

// corsMiddleware lets the desktop UI call the admin API from its own origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func closeDB(conn *gorm.DB) {
	sqlDB, err := conn.DB()
	if err != nil {
		return
	}
	if errClose := sqlDB.Close(); errClose != nil {
		log.Errorf("sql db close error: %v", errClose)
	}
}
