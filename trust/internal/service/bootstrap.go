package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ssdp-platform/trust/common/config"
	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/common/messaging"
	natsclient "github.com/ssdp-platform/trust/common/messaging/nats"
	"github.com/ssdp-platform/trust/trust/internal/audit"
	"github.com/ssdp-platform/trust/trust/internal/compliance"
	"github.com/ssdp-platform/trust/trust/internal/encryption"
	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/ratelimit"
	"github.com/ssdp-platform/trust/trust/internal/rbac"
	"github.com/ssdp-platform/trust/trust/internal/repository"
	"github.com/ssdp-platform/trust/trust/migrations"
)

const (
	DatabasePostgres = "postgres"
	DatabaseMemory   = "memory"
)

// Runtime owns every connection opened for a TrustService and closes them
// in reverse order.
type Runtime struct {
	Service *TrustService
	Store   repository.Store
	Writer  *audit.Writer
	Limiter ratelimit.RateLimiter
	Owners  repository.OwnershipGranter

	ownershipCache *rbac.CachedOwnershipOracle
	enc            *encryption.Service
	pool           *pgxpool.Pool
	redis          *redis.Client
	nats           *natsclient.Client
	logger         *logging.Logger
}

// Open wires the trust layer from cfg. A missing master key is logged and
// leaves encryption unavailable; every other failure aborts start-up.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Runtime, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	rt := &Runtime{logger: logger}

	opened := false
	defer func() {
		if !opened {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = rt.Close(closeCtx)
		}
	}()

	if cfg.Encryption.MasterKey != "" {
		enc, err := encryption.NewFromConfig(cfg.Encryption)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize encryption: %w", err)
		}
		rt.enc = enc
	} else {
		logger.Warn("encryption disabled", slog.String("reason", config.MasterKeyEnv+" is not set"))
	}

	var oracle rbac.OwnershipOracle
	switch cfg.Database.Type {
	case DatabaseMemory:
		logger.Warn("using in-memory audit store; entries are lost on restart")
		owners := repository.NewInMemoryOwnership()
		rt.Store, rt.Owners, oracle = repository.NewInMemoryStore(), owners, owners
	case DatabasePostgres, "":
		connString := cfg.Database.Postgres.ConnString()
		logger.Info("running database migrations")
		if err := migrations.Up(connString); err != nil {
			return nil, err
		}
		pool, err := repository.NewPool(ctx, connString, cfg.Database.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		rt.pool = pool
		owners := repository.NewPostgresOwnership(pool)
		rt.Store, rt.Owners, oracle = repository.NewPostgresStore(pool), owners, owners
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}

	if cfg.Redis.Enabled {
		client, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable; falling back to local rate limiting and uncached ownership", logging.Error(err))
		} else {
			rt.redis = client
			rt.ownershipCache = rbac.NewCachedOwnershipOracle(oracle, client, cfg.RBAC.OwnershipCacheTTL, logger)
			oracle = rt.ownershipCache
		}
	}

	switch {
	case !cfg.Auth.RateLimitEnabled:
		rt.Limiter = &ratelimit.NoOpRateLimiter{}
	case rt.redis != nil:
		rt.Limiter = ratelimit.NewRedisLimiter(rt.redis, cfg.Auth.RateLimitRequests, cfg.Auth.RateLimitWindow)
	default:
		rt.Limiter = ratelimit.NewLocalLimiter(cfg.Auth.RateLimitRequests, cfg.Auth.RateLimitWindow)
	}

	var publisher messaging.Publisher
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		if cfg.NATS.ReconnectWait > 0 {
			natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		}
		client, err := natsclient.NewClient(natsCfg, logger.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		rt.nats = client
		publisher = client
	}

	alerter := audit.NewAlerter(logger, publisher)
	rt.Writer = audit.NewWriter(rt.Store, alerter, logger, audit.WriterConfigFrom(cfg.Audit))
	auditLogger := audit.NewLogger(rt.Store, rt.Writer,
		audit.WithAlerter(alerter),
		audit.WithLogger(logger),
		audit.WithRetention(cfg.Audit.Retention),
	)

	roles, err := loadRoles(cfg.RBAC)
	if err != nil {
		return nil, err
	}
	guard := rbac.NewGuard(roles, auditLogger,
		rbac.WithOwnershipOracle(oracle),
		rbac.WithGuardLogger(logger),
	)

	validator := compliance.NewValidator(compliance.ConfigFrom(cfg.Compliance),
		compliance.WithEvidenceLookup(compliance.NewStoreEvidence(rt.Store)),
		compliance.WithLogger(logger),
	)

	rt.Service = NewService(rt.enc, auditLogger, guard, validator, logger)
	opened = true
	return rt, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.MaxRetries != 0 {
		opt.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func loadRoles(cfg config.RBACConfig) (*rbac.RoleTable, error) {
	if cfg.RolesFile == "" {
		return rbac.DefaultRoleTable(), nil
	}
	roles, err := rbac.LoadRoleTable(cfg.RolesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles file: %w", err)
	}
	return roles, nil
}

// GrantOwnership records an ownership fact and drops any cached answer for it.
func (r *Runtime) GrantOwnership(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string) error {
	if err := r.Owners.Grant(ctx, userID, resourceType, resourceID); err != nil {
		return err
	}
	if r.ownershipCache != nil {
		if err := r.ownershipCache.Invalidate(ctx, userID, resourceType, resourceID); err != nil {
			r.logger.Warn("failed to invalidate ownership cache", logging.Error(err))
		}
	}
	return nil
}

// Ping checks the audit store.
func (r *Runtime) Ping(ctx context.Context) error {
	if r.Store == nil {
		return errors.New("audit store not initialized")
	}
	return r.Store.Ping(ctx)
}

// Close flushes the audit writer and releases every connection. Key
// material is zeroized last.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.Writer != nil {
		if err := r.Writer.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.Limiter != nil {
		if err := r.Limiter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.nats != nil {
		if err := r.nats.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if r.enc != nil {
		r.enc.Zeroize()
	}
	return errors.Join(errs...)
}
