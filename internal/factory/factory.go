package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"admin-auth/internal/audit"
	"admin-auth/internal/bucketing"
	"admin-auth/internal/client"
	"admin-auth/internal/config"
	"admin-auth/internal/credentials"
	"admin-auth/internal/gateway"
	"admin-auth/internal/lockout"
	"admin-auth/internal/ratelimit"
	"admin-auth/internal/secrets"
	"admin-auth/internal/session"
	"admin-auth/internal/store"
	"admin-auth/internal/store/clickhouse"
	"admin-auth/internal/store/memory"
	"admin-auth/internal/store/scylla"
	"admin-auth/internal/tls"
	"admin-auth/internal/twofactor"
	"admin-auth/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient    *client.RedisClient
	scyllaClient   *scylla.Client
	kafkaProducer  *client.KafkaProducer
	clickhouseSink *clickhouse.AuditSink

	// Core components
	adminStore  store.AdminStore
	auditLogger *audit.Logger
	cipher      *secrets.Cipher
	bucketer    *bucketing.Bucketer
	limiter     ratelimit.Limiter
	lockout     *lockout.Tracker
	verifier    *credentials.Verifier
	totp        *twofactor.Manager
	sessions    *session.Manager
	gateway     *gateway.Gateway

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewManager(&tls.Options{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.AutoCertEmail,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("redis_enabled", cfg.Redis.Enabled),
	)

	return factory, nil
}

// initializeClients initializes the optional external service clients with
// health checks. In production a broken required client is fatal;
// elsewhere the service degrades to its in-process fallbacks.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.Redis.Enabled {
		if rc, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = rc
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			} else {
				util.Info("Redis client initialized and healthy")
			}
		}
	}

	// ScyllaDB
	if f.config.Store.Backend == "scylla" {
		if sc, err := scylla.NewClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = sc
			if err := f.scyllaClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and healthy")
			}
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if sink, err := clickhouse.NewAuditSink(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseSink = sink
			if err := f.clickhouseSink.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse sink initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeComponents wires the security engine in dependency order:
// store, audit, cipher, limiter, lockout, credentials, 2FA, sessions,
// gateway.
func (f *Factory) initializeComponents() error {
	sec := f.config.Security

	f.bucketer = bucketing.NewBucketer(bucketing.DefaultEventBuckets)

	// Store backend
	var auditSinks []audit.Sink
	switch f.config.Store.Backend {
	case "scylla":
		if f.scyllaClient == nil {
			return fmt.Errorf("scylla backend selected but client unavailable")
		}
		scyllaStore := scylla.NewAdminStore(f.scyllaClient, f.bucketer)
		f.adminStore = scyllaStore
		auditSinks = append(auditSinks, scyllaStore)
	default:
		memStore := memory.NewStore()
		f.adminStore = memStore
		auditSinks = append(auditSinks, memStore)
	}

	if f.clickhouseSink != nil {
		auditSinks = append(auditSinks, f.clickhouseSink)
	}
	if f.kafkaProducer != nil {
		auditSinks = append(auditSinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}
	f.auditLogger = audit.NewLogger(util.Get(), auditSinks...)

	cipher, err := secrets.NewCipher(sec.MasterSecret, secrets.Argon2Params{
		Memory:      uint32(sec.Argon2MemoryKiB),
		Iterations:  uint32(sec.Argon2Iterations),
		Parallelism: uint8(sec.Argon2Parallelism),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize secret cipher: %w", err)
	}
	f.cipher = cipher

	if f.redisClient != nil {
		f.limiter = ratelimit.NewRedisLimiter(f.redisClient, util.Get())
	} else {
		f.limiter = ratelimit.NewMemoryLimiter()
	}

	f.lockout = lockout.NewTracker(f.adminStore, f.auditLogger, util.Get(),
		sec.MaxFailedAttempts, sec.LockoutDuration)

	verifier, err := credentials.NewVerifier(
		sec.AdminUsername, sec.AdminPasswordHash,
		f.limiter, f.lockout, f.auditLogger, util.Get(),
		sec.LoginRateLimit.MaxRequests, sec.LoginRateLimit.Window,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize credential verifier: %w", err)
	}
	f.verifier = verifier

	f.totp = twofactor.NewManager(f.adminStore, f.cipher, f.auditLogger, util.Get(),
		sec.TOTPIssuer, sec.TOTPWindowSteps, sec.BackupCodeCount)

	f.sessions = session.NewManager(f.adminStore, f.auditLogger, util.Get(),
		sec.JWTSecret, sec.SessionDuration, sec.ChallengeDuration, sec.ValidateIPOnSession)

	f.gateway = gateway.New(f.verifier, f.lockout, f.totp, f.sessions,
		f.limiter, f.auditLogger, util.Get(), sec)

	return f.bootstrapAdmin()
}

// bootstrapAdmin ensures the configured principal has a record so the
// lockout tracker and 2FA manager always have a row to update.
func (f *Factory) bootstrapAdmin() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	username := f.config.Security.AdminUsername
	_, err := f.adminStore.GetAdmin(ctx, username)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return fmt.Errorf("failed to check admin record: %w", err)
	}

	if err := f.adminStore.PutAdmin(ctx, &store.AdminRecord{Username: username}); err != nil {
		return fmt.Errorf("failed to bootstrap admin record: %w", err)
	}
	util.Info("Admin record bootstrapped", util.String("username", username))
	return nil
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.config.Redis.Enabled {
		if f.redisClient != nil {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				healthErrors["redis"] = err
			}
		} else {
			healthErrors["redis"] = fmt.Errorf("redis client not initialized")
		}
	}

	if f.config.Store.Backend == "scylla" {
		if f.scyllaClient != nil {
			if err := f.scyllaClient.HealthCheck(ctx); err != nil {
				healthErrors["scylla"] = err
			}
		} else {
			healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
		}
	}

	if f.config.Clickhouse.Enabled {
		if f.clickhouseSink != nil {
			if err := f.clickhouseSink.HealthCheck(ctx); err != nil {
				healthErrors["clickhouse"] = err
			}
		} else {
			healthErrors["clickhouse"] = fmt.Errorf("clickhouse sink not initialized")
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.gateway == nil {
		healthErrors["gateway"] = fmt.Errorf("gateway not initialized")
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Flush queued audit entries before their sinks go away
		if f.auditLogger != nil {
			f.auditLogger.Close()
			util.Info("Audit logger drained")
		}

		if f.clickhouseSink != nil {
			if err := f.clickhouseSink.Close(); err != nil {
				util.Error("Failed to close ClickHouse sink", util.ErrorField(err))
			} else {
				util.Info("ClickHouse sink closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

// ==============================
// Getters
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Gateway() *gateway.Gateway {
	return f.gateway
}

func (f *Factory) TOTPManager() *twofactor.Manager {
	return f.totp
}

func (f *Factory) AdminStore() store.AdminStore {
	return f.adminStore
}
