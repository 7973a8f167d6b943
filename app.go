package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/audit"
	"github.com/recete-ai/recete-engine/pkg/cache"
	"github.com/recete-ai/recete-engine/pkg/config"
	"github.com/recete-ai/recete-engine/pkg/crypto"
	"github.com/recete-ai/recete-engine/pkg/database"
	"github.com/recete-ai/recete-engine/pkg/llm"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/repositories"
	"github.com/recete-ai/recete-engine/pkg/services"
	"github.com/recete-ai/recete-engine/pkg/services/workqueue"
	"github.com/recete-ai/recete-engine/pkg/whatsapp"
)

const (
	memoryCacheEntries  = 10000
	conversationLockTTL = 2 * time.Minute
)

// app holds the services shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db      *database.DB
	redis   *redis.Client
	metrics *metrics.Metrics
	queue   *workqueue.Queue
	cache   *cache.Cache
	locker  cache.Locker
	auditor *audit.SecurityAuditor

	credentials  *crypto.CredentialEncryptor
	getTenantCtx services.TenantContextFunc
	getSystemCtx services.SystemContextFunc

	products      repositories.ProductRepository
	merchants     services.MerchantService
	processor     services.OrderProcessor
	scheduler     services.MessageScheduler
	indexer       services.KnowledgeIndexer
	rag           services.RAGQueryService
	conversations services.ConversationService
}

// newApp connects to Postgres (and Redis when configured) and wires every
// service. Close releases what it opened.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.db = db
	a.getTenantCtx = services.NewTenantContextFunc(db)
	a.getSystemCtx = services.NewSystemContextFunc(db)

	a.redis, err = database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.redis != nil {
		a.cache = cache.New(cache.NewRedisStore(a.redis, cfg.Redis.KeyPrefix), logger)
		a.locker = cache.NewRedisLocker(a.redis, cfg.Redis.KeyPrefix, conversationLockTTL)
		logger.Info("Using Redis for caches and conversation locks",
			zap.String("host", cfg.Redis.Host), zap.Int("port", cfg.Redis.Port))
	} else {
		a.cache = cache.New(cache.NewMemoryStore(memoryCacheEntries), logger)
		a.locker = cache.NewLocalLocker()
		logger.Warn("Redis not configured, caches and locks are process-local")
	}

	phoneCipher, err := crypto.NewPhoneCipher(cfg.PhoneEncryptionKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("phone encryption key: %w", err)
	}
	if cfg.CredentialsKey != "" {
		if a.credentials, err = crypto.NewCredentialEncryptor(cfg.CredentialsKey); err != nil {
			a.Close()
			return nil, fmt.Errorf("credentials key: %w", err)
		}
	}

	chat, err := llm.NewChatClient(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	embedder, err := llm.NewEmbedder(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.queue = workqueue.NewQueue(logger,
		workqueue.WithStrategy(workqueue.NewLaneLimitStrategy(map[workqueue.Lane]int{
			workqueue.LaneProvider:  cfg.Scheduler.MaxConcurrent,
			workqueue.LaneMessaging: cfg.Scheduler.MaxConcurrent,
		})),
		workqueue.WithMetrics(a.metrics),
	)
	a.auditor = audit.NewSecurityAuditor(logger)

	merchantRepo := repositories.NewMerchantRepository()
	userRepo := repositories.NewUserRepository(phoneCipher, cfg.RAG.MaxUserScan)
	orderRepo := repositories.NewOrderRepository()
	productRepo := repositories.NewProductRepository()
	chunkRepo := repositories.NewKnowledgeChunkRepository()
	eventRepo := repositories.NewExternalEventRepository()
	conversationRepo := repositories.NewConversationRepository()
	taskRepo := repositories.NewScheduledTaskRepository()
	attemptRepo := repositories.NewReturnPreventionRepository()

	sender := services.NewWhatsAppSender(
		whatsapp.NewClient(cfg.WhatsApp, logger), a.credentials, cfg.WhatsApp.AccessToken, a.metrics, logger)
	embeddings := services.NewEmbeddingService(embedder, cfg.Embedding, a.metrics, logger)

	a.products = productRepo
	a.merchants = services.NewMerchantService(merchantRepo, a.cache, logger)
	a.scheduler = services.NewMessageScheduler(
		taskRepo, userRepo, conversationRepo, a.merchants, sender,
		a.getTenantCtx, a.getSystemCtx, a.metrics, logger)
	a.processor = services.NewOrderProcessor(
		eventRepo, userRepo, orderRepo, conversationRepo, a.scheduler,
		a.getTenantCtx, a.getSystemCtx, a.metrics, logger)
	a.indexer = services.NewKnowledgeIndexer(
		productRepo, chunkRepo, embeddings, a.cache,
		services.ChunkOptions{MaxChunkSize: cfg.RAG.ChunkSize, OverlapSize: cfg.RAG.ChunkOverlap},
		a.metrics, logger)
	a.rag = services.NewRAGQueryService(chunkRepo, embeddings, a.cache, cfg.RAG, a.metrics, logger)

	upsell := services.NewUpsellService(
		orderRepo, userRepo, taskRepo, services.NewSatisfactionDetector(chat, logger), a.scheduler, logger)
	agent := services.NewAgentService(
		a.merchants,
		conversationRepo,
		productRepo,
		services.NewGuardrailService(a.auditor, a.metrics, logger),
		services.NewIntentClassifier(chat, logger),
		services.NewReturnPreventionService(attemptRepo, conversationRepo, a.metrics, logger),
		upsell,
		a.rag,
		services.NewOrderScopeResolver(orderRepo, eventRepo, productRepo, chunkRepo, logger),
		chat,
		cfg.LLM,
		a.metrics,
		logger,
	)
	a.conversations = services.NewConversationService(
		a.merchants, userRepo, orderRepo, conversationRepo, agent, sender,
		a.locker, phoneCipher, a.cache, a.getTenantCtx, a.getSystemCtx, a.metrics, logger)

	return a, nil
}

// Close stops the work queue and closes connections.
func (a *app) Close() {
	if a.queue != nil {
		a.queue.Shutdown()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
