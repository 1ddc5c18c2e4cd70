package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AgentTreasury/internal/audit"
	xerrors "AgentTreasury/internal/errors"
	"AgentTreasury/internal/killswitch"
	"AgentTreasury/internal/ledger"
	"AgentTreasury/internal/observability/metrics"
	"AgentTreasury/internal/reasoning"
	"AgentTreasury/internal/signing"
	"AgentTreasury/pkg/logger"
)

// Outcome 表示一次支出评估的结论。
type Outcome string

// 评估结论取值
const (
	OutcomeApproved  Outcome = "APPROVED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeEscalated Outcome = "ESCALATED"
)

// Request 是代理提交的一次支出申请。
type Request struct {
	AgentID          string                     `json:"agent_id"`
	Category         string                     `json:"category"`
	Amount           decimal.Decimal            `json:"amount"`
	Currency         string                     `json:"currency"`
	MarketVolatility float64                    `json:"market_volatility"`
	Reasoning        reasoning.ReasoningContext `json:"reasoning"`
}

// Decision 是评估结果，包含可独立验证的签名与推理哈希。
type Decision struct {
	TransactionID   string            `json:"transaction_id"`
	Outcome         Outcome           `json:"outcome"`
	Approved        bool              `json:"approved"`
	Reason          string            `json:"reason"`
	RiskScore       float64           `json:"risk_score"`
	ReasoningHash   string            `json:"reasoning_hash"`
	Signature       string            `json:"signature"`
	BudgetRemaining map[string]string `json:"budget_remaining,omitempty"`
	DecidedAt       int64             `json:"decided_at"`
}

// Config 定义审批引擎的治理参数。
type Config struct {
	MinROIHurdle  float64
	RiskCeiling   float64
	CommitRetries int
	Currency      string
}

// Option 自定义引擎行为。
type Option func(*Engine)

// WithAuditPublisher 注入审计事件发布器。
func WithAuditPublisher(pub audit.Publisher) Option {
	return func(e *Engine) { e.audit = pub }
}

// WithClock 覆盖时间源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep 覆盖重试退避的休眠实现，用于测试。
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithCategoryRisk 覆盖各类别的基础风险权重，取值 [0,1]。
func WithCategoryRisk(weights map[string]float64) Option {
	return func(e *Engine) { e.categoryRisk = weights }
}

// Engine 按固定顺序执行治理规则：熔断检查、预算预留、ROI 门槛、
// 风险上限、带重试的原子提交。任何一步失败都会落下一条拒绝或升级
// 记录，绝不静默放行。
type Engine struct {
	store        ledger.Store
	trail        *reasoning.Trail
	signer       *signing.Signer
	ks           *killswitch.Switch
	cfg          Config
	audit        audit.Publisher
	categoryRisk map[string]float64
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
}

// NewEngine 创建审批引擎。
func NewEngine(store ledger.Store, trail *reasoning.Trail, signer *signing.Signer, ks *killswitch.Switch, cfg Config, opts ...Option) *Engine {
	if cfg.MinROIHurdle <= 0 {
		cfg.MinROIHurdle = 1.5
	}
	if cfg.RiskCeiling <= 0 {
		cfg.RiskCeiling = 0.8
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = 3
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	e := &Engine{
		store:  store,
		trail:  trail,
		signer: signer,
		ks:     ks,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepWithContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Staged 表示已通过全部前置规则但尚未提交的批准。
// 结算协议在 SETTLE 阶段才提交，执行失败时直接丢弃 Staged，
// 预算不受影响。
type Staged struct {
	req     Request
	txID    string
	hash    string
	risk    float64
	res     *ledger.Reservation
	started time.Time
}

// TransactionID 返回为本次申请预分配的交易标识。
func (s *Staged) TransactionID() string { return s.txID }

// RiskScore 返回前置评估得出的风险评分。
func (s *Staged) RiskScore() float64 { return s.risk }

// Evaluate 评估一次支出申请并返回带签名的决策。
// 返回 error 仅代表基础设施故障；治理层面的拒绝与升级通过
// Decision.Outcome 表达，并且都会留下不可变记录。
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	staged, decision, err := e.Screen(ctx, req)
	if err != nil {
		return nil, err
	}
	if decision != nil {
		return decision, nil
	}
	return e.CommitStaged(ctx, staged)
}

// Screen 按固定顺序执行全部前置规则但不提交预算。
// 任一规则失败时返回已落记录的拒绝或升级决策；全部通过时
// 返回 Staged 供调用方在合适的时机提交。
func (e *Engine) Screen(ctx context.Context, req Request) (*Staged, *Decision, error) {
	started := e.now()
	if err := e.validate(req); err != nil {
		return nil, nil, err
	}
	if req.Currency == "" {
		req.Currency = e.cfg.Currency
	}

	txID := uuid.NewString()
	hash := reasoning.HashContext(req.Reasoning)

	// 规则一：全局熔断优先于一切评估，停机期间不触达账本。
	if e.ks != nil && e.ks.Observe(ctx, killswitch.Signal{
		TransactionID:    txID,
		ConfidenceScore:  req.Reasoning.ConfidenceScore,
		MarketVolatility: req.MarketVolatility,
	}) {
		decision, err := e.refuse(ctx, txID, req, hash, OutcomeRejected, 0, "system halted", started)
		return nil, decision, err
	}

	// 规则二：预算预留。没有预算规则的类别默认拒绝。
	res, err := e.store.Reserve(ctx, req.Category, req.Amount, started)
	if err != nil {
		if errors.Is(err, ledger.ErrNoBudgetRule) || errors.Is(err, ledger.ErrBudgetExceeded) {
			decision, err := e.refuse(ctx, txID, req, hash, OutcomeRejected, 0, reasonOf(err), started)
			return nil, decision, err
		}
		return nil, nil, err
	}

	// 规则三：ROI 门槛。
	if req.Reasoning.ProjectedROI < e.cfg.MinROIHurdle {
		decision, err := e.refuse(ctx, txID, req, hash, OutcomeRejected, 0, "ROI below hurdle rate", started)
		return nil, decision, err
	}

	// 规则四：风险上限。超限升级人工审查，预留直接丢弃，不占用额度。
	risk := e.riskScore(ctx, req, res)
	if risk > e.cfg.RiskCeiling {
		decision, err := e.refuse(ctx, txID, req, hash, OutcomeEscalated, risk, "risk score above ceiling, escalated for human review", started)
		return nil, decision, err
	}

	return &Staged{req: req, txID: txID, hash: hash, risk: risk, res: res, started: started}, nil, nil
}

// CommitStaged 提交一份已通过前置规则的批准。
// 版本冲突时从预留重新开始，重试耗尽按失败关闭处理。
// 停机可能发生在 Screen 与提交之间，因此这里再查一次熔断，
// 保证 HALTED 之后没有任何提交成功。
func (e *Engine) CommitStaged(ctx context.Context, staged *Staged) (*Decision, error) {
	if e.ks != nil && e.ks.Halted() {
		return e.refuse(ctx, staged.txID, staged.req, staged.hash, OutcomeRejected, staged.risk, "system halted", staged.started)
	}
	return e.commitWithRetry(ctx, staged.txID, staged.req, staged.hash, staged.risk, staged.res, staged.started)
}

// DiscardStaged 放弃一份未提交的批准并落一条失败记录。
// 预留本身不占用额度，丢弃不需要任何补偿动作。
func (e *Engine) DiscardStaged(ctx context.Context, staged *Staged, reason string) (*Decision, error) {
	return e.refuse(ctx, staged.txID, staged.req, staged.hash, OutcomeRejected, staged.risk, reason, staged.started)
}

func (e *Engine) validate(req Request) error {
	if req.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求方标识不能为空")
	}
	if req.Category == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支出类别不能为空")
	}
	if !req.Amount.IsPositive() {
		return xerrors.New(xerrors.CodeInvalidArgument, "支出金额必须为正数")
	}
	return nil
}

func (e *Engine) commitWithRetry(ctx context.Context, txID string, req Request, hash string, risk float64, res *ledger.Reservation, started time.Time) (*Decision, error) {
	for attempt := 0; ; attempt++ {
		record := e.buildRecord(txID, req, hash, risk, true, "approved")
		// 签名载荷在构造记录时即已确定，必须先签再提交，
		// 记录不可变，落库后无法补签。
		sig, err := e.signRecord(record)
		if err != nil {
			return nil, err
		}
		record.DecisionSignature = sig
		committed, err := e.store.Commit(ctx, res, record)
		if err == nil {
			return e.finishApproved(ctx, committed, req, started)
		}
		if errors.Is(err, ledger.ErrBudgetExceeded) {
			// 重试窗口内被其他请求占满额度，属于终态拒绝。
			return e.refuse(ctx, txID, req, hash, OutcomeRejected, risk, reasonOf(err), started)
		}
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return nil, err
		}

		metrics.ObserveVersionConflict()
		if attempt+1 >= e.cfg.CommitRetries {
			logger.L().Warn("预算提交重试耗尽，按失败关闭处理",
				slog.String("transaction_id", txID),
				slog.Int("attempts", attempt+1))
			return e.refuse(ctx, txID, req, hash, OutcomeRejected, risk, "commit retries exhausted", started)
		}
		if err := e.sleep(ctx, backoffDelay(attempt)); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "提交重试被取消")
		}
		res, err = e.store.Reserve(ctx, req.Category, req.Amount, e.now())
		if err != nil {
			if errors.Is(err, ledger.ErrNoBudgetRule) || errors.Is(err, ledger.ErrBudgetExceeded) {
				return e.refuse(ctx, txID, req, hash, OutcomeRejected, risk, reasonOf(err), started)
			}
			return nil, err
		}
	}
}

func (e *Engine) finishApproved(ctx context.Context, record *ledger.TransactionRecord, req Request, started time.Time) (*Decision, error) {
	if _, err := e.trail.Record(ctx, record.ID, req.Reasoning); err != nil {
		logger.L().Warn("推理记录追加失败", slog.String("transaction_id", record.ID), slog.String("error", err.Error()))
	}
	if e.ks != nil {
		e.ks.ObserveSpend(ctx, record.Amount)
	}

	remaining := map[string]string{}
	if counters, err := e.store.Counters(ctx, record.Category, e.now()); err == nil {
		for _, c := range counters {
			remaining[string(c.Period)] = c.Remaining().String()
		}
	}

	e.publishDecision(ctx, record, OutcomeApproved)
	metrics.ObserveDecision(string(OutcomeApproved), record.Category, e.now().Sub(started))
	logger.Audit().Info("spend approved",
		slog.String("transaction_id", record.ID),
		slog.String("agent_id", record.RequestingAgentID),
		slog.String("category", record.Category),
		slog.String("amount", record.Amount.String()))

	return &Decision{
		TransactionID:   record.ID,
		Outcome:         OutcomeApproved,
		Approved:        true,
		Reason:          record.Reason,
		RiskScore:       record.RiskScore,
		ReasoningHash:   record.ReasoningHash,
		Signature:       record.DecisionSignature,
		BudgetRemaining: remaining,
		DecidedAt:       record.DecidedAt,
	}, nil
}

// refuse 为拒绝与升级落记录：记录不占用预算，但与批准一样
// 不可变、带签名、带推理哈希。
func (e *Engine) refuse(ctx context.Context, txID string, req Request, hash string, outcome Outcome, risk float64, reason string, started time.Time) (*Decision, error) {
	record := e.buildRecord(txID, req, hash, risk, false, reason)
	sig, err := e.signRecord(record)
	if err != nil {
		return nil, err
	}
	record.DecisionSignature = sig

	if err := e.store.Append(ctx, record); err != nil {
		return nil, err
	}
	if _, err := e.trail.Record(ctx, record.ID, req.Reasoning); err != nil {
		logger.L().Warn("推理记录追加失败", slog.String("transaction_id", record.ID), slog.String("error", err.Error()))
	}

	e.publishDecision(ctx, record, outcome)
	metrics.ObserveDecision(string(outcome), record.Category, e.now().Sub(started))
	logger.Audit().Info("spend refused",
		slog.String("transaction_id", record.ID),
		slog.String("outcome", string(outcome)),
		slog.String("reason", reason))

	return &Decision{
		TransactionID: record.ID,
		Outcome:       outcome,
		Approved:      false,
		Reason:        reason,
		RiskScore:     record.RiskScore,
		ReasoningHash: record.ReasoningHash,
		Signature:     sig,
		DecidedAt:     record.DecidedAt,
	}, nil
}

func (e *Engine) buildRecord(txID string, req Request, hash string, risk float64, approved bool, reason string) *ledger.TransactionRecord {
	now := e.now().Unix()
	return &ledger.TransactionRecord{
		ID:                txID,
		RequestingAgentID: req.AgentID,
		Category:          req.Category,
		Amount:            req.Amount,
		Currency:          req.Currency,
		ProjectedROI:      req.Reasoning.ProjectedROI,
		RiskScore:         risk,
		Approved:          approved,
		Reason:            reason,
		ReasoningHash:     hash,
		CreatedAt:         now,
		DecidedAt:         now,
	}
}

// decisionPayload 的字段按字母序声明，json.Marshal 因此产出
// 确定性的签名载荷。
type decisionPayload struct {
	Amount        string  `json:"amount"`
	Approved      bool    `json:"approved"`
	Category      string  `json:"category"`
	Currency      string  `json:"currency"`
	DecidedAt     int64   `json:"decided_at"`
	ID            string  `json:"id"`
	Reason        string  `json:"reason"`
	ReasoningHash string  `json:"reasoning_hash"`
	RiskScore     float64 `json:"risk_score"`
}

// SignaturePayload 返回某条记录的规范化签名载荷，供外部独立校验。
func SignaturePayload(record *ledger.TransactionRecord) []byte {
	payload, _ := json.Marshal(decisionPayload{
		Amount:        record.Amount.String(),
		Approved:      record.Approved,
		Category:      record.Category,
		Currency:      record.Currency,
		DecidedAt:     record.DecidedAt,
		ID:            record.ID,
		Reason:        record.Reason,
		ReasoningHash: record.ReasoningHash,
		RiskScore:     record.RiskScore,
	})
	return payload
}

func (e *Engine) signRecord(record *ledger.TransactionRecord) (string, error) {
	if e.signer == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "审批引擎缺少签名器")
	}
	return e.signer.Sign(signing.DomainDecision, SignaturePayload(record))
}

func (e *Engine) publishDecision(ctx context.Context, record *ledger.TransactionRecord, outcome Outcome) {
	if e.audit == nil {
		return
	}
	event := audit.NewEvent(audit.EventDecision, record.ID, map[string]any{
		"outcome":  string(outcome),
		"agent_id": record.RequestingAgentID,
		"category": record.Category,
		"amount":   record.Amount.String(),
		"reason":   record.Reason,
	})
	if err := e.audit.Publish(ctx, event); err != nil {
		logger.L().Warn("决策审计事件发布失败", slog.String("transaction_id", record.ID), slog.String("error", err.Error()))
	}
}

func reasonOf(err error) string {
	if xe, ok := xerrors.From(err); ok {
		return xe.Message()
	}
	return err.Error()
}

// backoffDelay 返回带抖动的指数退避间隔。
func backoffDelay(attempt int) time.Duration {
	base := 25 * time.Millisecond << attempt
	jitter := time.Duration(rand.Int63n(int64(25 * time.Millisecond)))
	return base + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
