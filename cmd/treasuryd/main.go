package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"AgentTreasury/internal/api"
	"AgentTreasury/internal/approval"
	"AgentTreasury/internal/audit"
	"AgentTreasury/internal/auth"
	"AgentTreasury/internal/config"
	"AgentTreasury/internal/killswitch"
	"AgentTreasury/internal/ledger"
	"AgentTreasury/internal/observability/metrics"
	"AgentTreasury/internal/reasoning"
	"AgentTreasury/internal/settlement"
	"AgentTreasury/internal/signing"
	"AgentTreasury/pkg/logger"
)

// main 是财务治理守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("treasuryd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TREASURY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "treasury.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditEnabled,
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	limits, err := buildLimits(cfg.Governance.Budgets)
	if err != nil {
		return err
	}

	// 账本与推理轨迹共享同一个持久化后端。
	var (
		store ledger.Store
		trail *reasoning.Trail
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		store = ledger.NewMemoryStore(limits)
		trail = reasoning.NewTrail(reasoning.NewMemoryStore())
	case "mysql":
		mysqlStore, err := ledger.NewMySQLStore(ledger.MySQLConfig{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
		}, limits)
		if err != nil {
			return err
		}
		store = mysqlStore
		reasoningStore, err := reasoning.NewMySQLStore(mysqlStore.DB())
		if err != nil {
			return err
		}
		trail = reasoning.NewTrail(reasoningStore)
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer store.Close()
	defer trail.Close()

	// 审计事件流：每一条决策与每一次熔断切换都要对外发布。
	var publisher audit.Publisher
	switch cfg.Audit.Driver {
	case "", "memory":
		publisher = audit.NewMemoryPublisher()
	case "rabbitmq":
		rabbit, err := audit.NewRabbitMQPublisher(audit.RabbitMQConfig{
			URL:     cfg.Audit.URL,
			Queue:   cfg.Audit.Queue,
			Durable: cfg.Audit.Durable,
		})
		if err != nil {
			return err
		}
		publisher = rabbit
	default:
		return fmt.Errorf("未知的审计驱动: %s", cfg.Audit.Driver)
	}
	defer publisher.Close()

	ks := killswitch.NewSwitch(killswitch.Config{
		MinConfidence:     cfg.KillSwitch.MinConfidence,
		MaxVolatility:     cfg.KillSwitch.MaxVolatility,
		SpendRateWindow:   time.Duration(cfg.KillSwitch.SpendRateWindowSec) * time.Second,
		SpendRateMultiple: cfg.KillSwitch.SpendRateMultiple,
	}, killswitch.WithAuditPublisher(publisher))

	signer, err := buildSigner(cfg.Signing)
	if err != nil {
		return err
	}

	engine := approval.NewEngine(store, trail, signer, ks, approval.Config{
		MinROIHurdle:  cfg.Governance.MinROIHurdle,
		RiskCeiling:   cfg.Governance.RiskCeiling,
		CommitRetries: cfg.Governance.CommitRetries,
		Currency:      cfg.Governance.Currency,
	}, approval.WithAuditPublisher(publisher))

	var escrow settlement.EscrowStore
	switch cfg.Settlement.EscrowDriver {
	case "", "memory":
		escrow = settlement.NewMemoryEscrowStore()
	case "redis":
		redisEscrow, err := settlement.NewRedisEscrowStore(settlement.RedisEscrowConfig{
			Address:  cfg.Settlement.Redis.Address,
			Password: cfg.Settlement.Redis.Password,
			DB:       cfg.Settlement.Redis.DB,
		})
		if err != nil {
			return err
		}
		escrow = redisEscrow
	default:
		return fmt.Errorf("未知的托管驱动: %s", cfg.Settlement.EscrowDriver)
	}
	defer escrow.Close()

	peers := make(map[string]string, len(cfg.Settlement.Peers))
	for _, peer := range cfg.Settlement.Peers {
		peers[peer.ID] = peer.PublicKey
	}
	verifier := settlement.NewVerifier(peers, cfg.Settlement.ReplayWindow())
	protocol := settlement.NewProtocol(verifier, engine, escrow,
		settlement.ExecutorFunc(func(ctx context.Context, req settlement.Request, _ *settlement.EscrowHandle) error {
			// 单机部署下没有外部执行方，等待取消或直接完成。
			return ctx.Err()
		}),
		settlement.Config{
			EscrowTTL:   cfg.Settlement.EscrowTTL(),
			ExecTimeout: cfg.Settlement.ExecTimeout(),
		},
		settlement.WithAuditPublisher(publisher))

	authSvc, err := auth.NewService(auth.Config{
		TokenSecret: cfg.Operators.TokenSecret,
		TokenTTL:    time.Duration(cfg.Operators.TokenTTLSeconds) * time.Second,
		OperatorIDs: cfg.Operators.IDs,
	})
	if err != nil {
		return err
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, engine, protocol, store, trail, ks, authSvc)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildLimits(rules []config.BudgetRule) (ledger.LimitSet, error) {
	parsed := make([]ledger.LimitRule, 0, len(rules))
	for _, rule := range rules {
		limit, err := decimal.NewFromString(rule.Limit)
		if err != nil {
			return nil, fmt.Errorf("预算上限 %q 解析失败: %w", rule.Limit, err)
		}
		parsed = append(parsed, ledger.LimitRule{
			Category: rule.Category,
			Period:   ledger.Period(rule.Period),
			Limit:    limit,
		})
	}
	return ledger.NewLimitSet(parsed), nil
}

// buildSigner 按配置装配签名私钥。私钥只能来自显式配置，
// 绝不从环境变量兜底。
func buildSigner(cfg config.SigningConfig) (*signing.Signer, error) {
	switch {
	case cfg.KeyFile != "":
		return signing.NewSignerFromFile(cfg.KeyFile)
	case cfg.KeyHex != "":
		return signing.NewSignerFromHex(cfg.KeyHex)
	default:
		return nil, errors.New("必须配置签名私钥 key_file 或 key_hex")
	}
}
