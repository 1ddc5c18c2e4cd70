package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AgentTreasury/internal/approval"
	"AgentTreasury/internal/audit"
	xerrors "AgentTreasury/internal/errors"
	"AgentTreasury/internal/observability/alerting"
	"AgentTreasury/internal/observability/metrics"
	"AgentTreasury/pkg/logger"
)

// Phase 表示结算协议当前所处的阶段。
type Phase string

// 结算阶段按固定顺序推进，不允许跳跃。
const (
	PhaseVerify    Phase = "VERIFY"
	PhaseNegotiate Phase = "NEGOTIATE"
	PhaseExecute   Phase = "EXECUTE"
	PhaseSettle    Phase = "SETTLE"
)

// Status 表示结算的最终结果。
type Status string

// 结算结果取值
const (
	StatusSettled  Status = "SETTLED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
	StatusRefunded Status = "REFUNDED"
	StatusAnomaly  Status = "ANOMALY"
)

// Settlement 记录一次结算的完整过程。
type Settlement struct {
	ID            string `json:"id"`
	PeerID        string `json:"peer_id"`
	Phase         Phase  `json:"phase"`
	Status        Status `json:"status,omitempty"`
	EscrowID      string `json:"escrow_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	StartedAt     int64  `json:"started_at"`
	FinishedAt    int64  `json:"finished_at,omitempty"`
}

// Locker 等待对端在托管过期前锁定资金。
type Locker interface {
	Lock(ctx context.Context, req Request, escrow *EscrowHandle) error
}

// LockerFunc 将普通函数适配为 Locker。
type LockerFunc func(ctx context.Context, req Request, escrow *EscrowHandle) error

// Lock 实现 Locker 接口。
func (f LockerFunc) Lock(ctx context.Context, req Request, escrow *EscrowHandle) error {
	return f(ctx, req, escrow)
}

// Quote 是 NEGOTIATE 阶段的定价结果，托管锁定的是报价金额
// 而不是请求方自报的金额。
type Quote struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Quoter 为请求的能力定价。返回错误表示无法提供该能力，
// 结算以 REJECTED 收尾。
type Quoter interface {
	Quote(ctx context.Context, req Request) (*Quote, error)
}

// QuoterFunc 将普通函数适配为 Quoter。
type QuoterFunc func(ctx context.Context, req Request) (*Quote, error)

// Quote 实现 Quoter 接口。
func (f QuoterFunc) Quote(ctx context.Context, req Request) (*Quote, error) {
	return f(ctx, req)
}

// Executor 执行结算的外部副作用（转账、调用上游 API 等）。
// 实现必须尊重 ctx 的超时：协议层对执行阶段强制截止时间，
// 超时后托管金额一律退回。
type Executor interface {
	Execute(ctx context.Context, req Request, escrow *EscrowHandle) error
}

// ExecutorFunc 将普通函数适配为 Executor。
type ExecutorFunc func(ctx context.Context, req Request, escrow *EscrowHandle) error

// Execute 实现 Executor 接口。
func (f ExecutorFunc) Execute(ctx context.Context, req Request, escrow *EscrowHandle) error {
	return f(ctx, req, escrow)
}

// Config 定义结算协议的时间参数。
type Config struct {
	EscrowTTL   time.Duration
	ExecTimeout time.Duration
}

// Option 自定义协议行为。
type Option func(*Protocol)

// WithAuditPublisher 注入审计事件发布器。
func WithAuditPublisher(pub audit.Publisher) Option {
	return func(p *Protocol) { p.audit = pub }
}

// WithAlerter 注入告警分发器。
func WithAlerter(d alerting.Dispatcher) Option {
	return func(p *Protocol) { p.alerter = d }
}

// WithLocker 覆盖资金锁定实现。默认实现立即锁定，
// 真实部署中由对端的确认回调驱动。
func WithLocker(l Locker) Option {
	return func(p *Protocol) { p.locker = l }
}

// WithQuoter 覆盖能力定价实现。默认实现按请求方自报的
// 金额与币种原样报价。
func WithQuoter(q Quoter) Option {
	return func(p *Protocol) { p.quoter = q }
}

// WithClock 覆盖时间源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// Protocol 实现 VERIFY -> NEGOTIATE -> EXECUTE -> SETTLE 的四阶段
// 结算。NEGOTIATE 阶段复用审批引擎做前置治理评估但不提交预算，
// EXECUTE 阶段有硬性超时，预算提交发生在 SETTLE 阶段并要求与托管
// 释放严格配对，不配对即标记对账异常并告警。
type Protocol struct {
	verifier *Verifier
	engine   *approval.Engine
	escrow   EscrowStore
	executor Executor
	locker   Locker
	quoter   Quoter
	cfg      Config
	audit    audit.Publisher
	alerter  alerting.Dispatcher
	now      func() time.Time
}

// NewProtocol 创建结算协议实例。
func NewProtocol(verifier *Verifier, engine *approval.Engine, escrow EscrowStore, executor Executor, cfg Config, opts ...Option) *Protocol {
	if cfg.EscrowTTL <= 0 {
		cfg.EscrowTTL = 60 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	p := &Protocol{
		verifier: verifier,
		engine:   engine,
		escrow:   escrow,
		executor: executor,
		locker:   LockerFunc(func(context.Context, Request, *EscrowHandle) error { return nil }),
		quoter: QuoterFunc(func(_ context.Context, req Request) (*Quote, error) {
			return &Quote{Amount: req.Amount, Currency: req.Currency}, nil
		}),
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run 执行一次完整的结算，返回过程记录。
// 治理层面的拒绝通过 Settlement.Status 表达，error 仅代表
// 基础设施故障。
func (p *Protocol) Run(ctx context.Context, req Request) (*Settlement, error) {
	s := &Settlement{
		ID:        req.SettlementID,
		PeerID:    req.PeerID,
		Phase:     PhaseVerify,
		StartedAt: p.now().Unix(),
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	// 阶段一：校验对端身份与消息新鲜度。
	if err := p.verifier.Verify(req); err != nil {
		return p.finish(ctx, s, StatusRejected, reasonOf(err)), nil
	}

	// 阶段二：定价加前置治理评估。托管与预算都以报价金额为准，
	// 未通过的请求不进入托管，通过的请求此时也尚未占用预算。
	s.Phase = PhaseNegotiate
	quote, err := p.quoter.Quote(ctx, req)
	if err != nil {
		return p.finish(ctx, s, StatusRejected, reasonOf(err)), nil
	}
	if quote.Currency == "" {
		quote.Currency = req.Currency
	}
	staged, decision, err := p.engine.Screen(ctx, approval.Request{
		AgentID:          req.AgentID,
		Category:         req.Category,
		Amount:           quote.Amount,
		Currency:         quote.Currency,
		MarketVolatility: req.MarketVolatility,
		Reasoning:        req.Reasoning,
	})
	if err != nil {
		return nil, err
	}
	if decision != nil {
		s.TransactionID = decision.TransactionID
		return p.finish(ctx, s, StatusRejected, decision.Reason), nil
	}
	s.TransactionID = staged.TransactionID()

	handle, err := p.negotiateEscrow(ctx, s, req, quote)
	if err != nil {
		if errors.Is(err, ErrEscrowExpired) {
			return p.discard(ctx, s, staged, StatusExpired, "escrow expired before funds locked"), nil
		}
		return nil, err
	}
	s.EscrowID = handle.ID

	// 阶段三：执行外部副作用。失败、超时或取消一律退回托管。
	s.Phase = PhaseExecute
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecTimeout)
	execErr := p.executor.Execute(execCtx, req, handle)
	cancel()
	if execErr != nil {
		reason := reasonOf(execErr)
		if errors.Is(execErr, context.DeadlineExceeded) {
			reason = "execution timed out"
		}
		p.refund(ctx, s, reason)
		return p.discard(ctx, s, staged, StatusRefunded, reason), nil
	}

	// 阶段四：释放托管并提交预算。释放与提交必须配对，
	// 释放成功而提交失败是对账异常，绝不静默丢失。
	s.Phase = PhaseSettle
	if _, err := p.escrow.Transition(ctx, handle.ID, EscrowLocked, EscrowReleased); err != nil {
		if errors.Is(err, ErrEscrowExpired) {
			return p.discard(ctx, s, staged, StatusExpired, "escrow expired before release"), nil
		}
		return nil, err
	}

	decision, err = p.engine.CommitStaged(ctx, staged)
	if err != nil {
		p.flagReconciliation(ctx, s, "commit failed after escrow release")
		return p.finish(ctx, s, StatusAnomaly, "commit failed after escrow release"), nil
	}
	if !decision.Approved {
		reason := "released escrow has no committed transaction record: " + decision.Reason
		p.flagReconciliation(ctx, s, reason)
		return p.finish(ctx, s, StatusAnomaly, reason), nil
	}

	logger.Audit().Info("settlement completed",
		slog.String("settlement_id", s.ID),
		slog.String("peer_id", s.PeerID),
		slog.String("transaction_id", s.TransactionID),
		slog.String("escrow_id", s.EscrowID))
	return p.finish(ctx, s, StatusSettled, ""), nil
}

// negotiateEscrow 按报价发放 PENDING 托管并等待对端在过期前锁定资金。
func (p *Protocol) negotiateEscrow(ctx context.Context, s *Settlement, req Request, quote *Quote) (*EscrowHandle, error) {
	now := p.now()
	handle := &EscrowHandle{
		ID:           uuid.NewString(),
		SettlementID: s.ID,
		Amount:       quote.Amount,
		Currency:     quote.Currency,
		State:        EscrowPending,
		CreatedAt:    now.Unix(),
		ExpiresAt:    now.Add(p.cfg.EscrowTTL).Unix(),
	}
	if err := p.escrow.Create(ctx, handle); err != nil {
		return nil, err
	}
	s.EscrowID = handle.ID

	lockCtx, cancel := context.WithDeadline(ctx, time.Unix(handle.ExpiresAt, 0))
	err := p.locker.Lock(lockCtx, req, handle)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrEscrowExpired
		}
		return nil, err
	}
	return p.escrow.Transition(ctx, handle.ID, EscrowPending, EscrowLocked)
}

func (p *Protocol) refund(ctx context.Context, s *Settlement, reason string) {
	if _, err := p.escrow.Transition(ctx, s.EscrowID, EscrowLocked, EscrowRefunded); err != nil {
		if errors.Is(err, ErrEscrowExpired) {
			// 过期与退回等效：两者都保证资金不会流出。
			return
		}
		logger.L().Error("托管退回失败，需要人工介入",
			slog.String("settlement_id", s.ID),
			slog.String("escrow_id", s.EscrowID),
			slog.String("error", err.Error()))
		p.flagReconciliation(ctx, s, "refund failed: "+reason)
	}
}

// discard 放弃未提交的批准并以给定状态收尾。
func (p *Protocol) discard(ctx context.Context, s *Settlement, staged *approval.Staged, status Status, reason string) *Settlement {
	if _, err := p.engine.DiscardStaged(ctx, staged, reason); err != nil {
		logger.L().Warn("失败记录落盘失败",
			slog.String("settlement_id", s.ID),
			slog.String("error", err.Error()))
	}
	return p.finish(ctx, s, status, reason)
}

// flagReconciliation 标记一笔需要人工对账的结算并立即告警。
func (p *Protocol) flagReconciliation(ctx context.Context, s *Settlement, reason string) {
	metrics.ObserveReconciliation()
	logger.Audit().Error("settlement reconciliation required",
		slog.String("settlement_id", s.ID),
		slog.String("escrow_id", s.EscrowID),
		slog.String("transaction_id", s.TransactionID),
		slog.String("reason", reason))

	if p.audit != nil {
		event := audit.NewEvent(audit.EventReconciliation, s.ID, map[string]any{
			"escrow_id":      s.EscrowID,
			"transaction_id": s.TransactionID,
			"reason":         reason,
		})
		if err := p.audit.Publish(ctx, event); err != nil {
			logger.L().Warn("对账审计事件发布失败", slog.String("error", err.Error()))
		}
	}
	if p.alerter != nil {
		event := alerting.Event{
			Code:       xerrors.CodeReconciliationRequired,
			Message:    reason,
			Severity:   xerrors.SeverityCritical,
			Subject:    s.ID,
			OccurredAt: p.now(),
		}
		if err := p.alerter.Notify(ctx, event); err != nil {
			logger.L().Warn("对账告警发送失败", slog.String("error", err.Error()))
		}
	}
}

func (p *Protocol) finish(ctx context.Context, s *Settlement, status Status, reason string) *Settlement {
	s.Status = status
	s.FailureReason = reason
	s.FinishedAt = p.now().Unix()

	if p.audit != nil {
		event := audit.NewEvent(audit.EventEscrow, s.ID, map[string]any{
			"phase":          string(s.Phase),
			"status":         string(status),
			"escrow_id":      s.EscrowID,
			"transaction_id": s.TransactionID,
			"reason":         reason,
		})
		if err := p.audit.Publish(ctx, event); err != nil {
			logger.L().Warn("结算审计事件发布失败", slog.String("error", err.Error()))
		}
	}
	return s
}

func reasonOf(err error) string {
	if xe, ok := xerrors.From(err); ok {
		return xe.Message()
	}
	return err.Error()
}
