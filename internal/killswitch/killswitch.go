package killswitch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"AgentTreasury/internal/audit"
	xerrors "AgentTreasury/internal/errors"
	"AgentTreasury/internal/observability/alerting"
	"AgentTreasury/internal/observability/metrics"
	"AgentTreasury/pkg/logger"
)

// Mode 表示全局治理模式。
type Mode string

// 全局模式取值
const (
	ModeNormal Mode = "NORMAL"
	ModeHalted Mode = "HALTED"
)

// State 描述熔断器的当前状态以及最近一次切换的上下文。
type State struct {
	Mode        Mode   `json:"mode"`
	Reason      string `json:"reason,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
	TriggeredAt int64  `json:"triggered_at,omitempty"`
	ResumedBy   string `json:"resumed_by,omitempty"`
	ResumedAt   int64  `json:"resumed_at,omitempty"`
}

// Signal 携带一次支出请求附带的市场观测值。
type Signal struct {
	TransactionID    string
	ConfidenceScore  float64
	MarketVolatility float64
}

// Config 定义触发熔断的阈值。
type Config struct {
	MinConfidence     float64
	MaxVolatility     float64
	SpendRateWindow   time.Duration
	SpendRateMultiple float64
}

// Option 自定义熔断器行为。
type Option func(*Switch)

// WithAuditPublisher 注入审计事件发布器。
func WithAuditPublisher(pub audit.Publisher) Option {
	return func(s *Switch) { s.audit = pub }
}

// WithAlerter 注入告警分发器。
func WithAlerter(d alerting.Dispatcher) Option {
	return func(s *Switch) { s.alerter = d }
}

// WithClock 覆盖时间源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Switch) { s.now = now }
}

// Switch 是全局熔断器：任何触发都会立即阻断后续全部支出评估，
// 且只有运营人员显式恢复才能解除，系统自身永远不会自动回到 NORMAL。
type Switch struct {
	mu      sync.RWMutex
	cfg     Config
	state   State
	spend   *spendWindow
	audit   audit.Publisher
	alerter alerting.Dispatcher
	now     func() time.Time
}

// NewSwitch 创建处于 NORMAL 模式的熔断器。
func NewSwitch(cfg Config, opts ...Option) *Switch {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	if cfg.MaxVolatility <= 0 {
		cfg.MaxVolatility = 0.5
	}
	if cfg.SpendRateWindow <= 0 {
		cfg.SpendRateWindow = 5 * time.Minute
	}
	if cfg.SpendRateMultiple <= 0 {
		cfg.SpendRateMultiple = 5
	}
	s := &Switch{
		cfg:   cfg,
		state: State{Mode: ModeNormal},
		spend: newSpendWindow(cfg.SpendRateWindow, cfg.SpendRateMultiple),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.SetKillSwitch(false)
	return s
}

// Halted 返回当前是否处于停机模式。
func (s *Switch) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Mode == ModeHalted
}

// Current 返回状态快照。
func (s *Switch) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Observe 评估一次请求附带的市场信号，必要时触发熔断。
// 返回值表示观察之后系统是否处于停机模式。
func (s *Switch) Observe(ctx context.Context, sig Signal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Mode == ModeHalted {
		return true
	}
	if sig.ConfidenceScore < s.cfg.MinConfidence {
		s.haltLocked(ctx, "reasoning confidence below floor", sig.TransactionID)
		return true
	}
	if sig.MarketVolatility > s.cfg.MaxVolatility {
		s.haltLocked(ctx, "market volatility above ceiling", sig.TransactionID)
		return true
	}
	return false
}

// ObserveSpend 将一笔已批准的支出计入异常检测窗口。
// 当前窗口支出超过上一窗口的倍数阈值时触发熔断。
func (s *Switch) ObserveSpend(ctx context.Context, amount decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Mode == ModeHalted {
		return true
	}
	if s.spend.observe(amount, s.now()) {
		s.haltLocked(ctx, "spend rate anomaly detected", "")
		return true
	}
	return false
}

// Halt 由外部显式触发熔断。
func (s *Switch) Halt(ctx context.Context, reason, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Mode == ModeHalted {
		return
	}
	s.haltLocked(ctx, reason, source)
}

// haltLocked 执行 NORMAL -> HALTED 切换，调用方必须持有写锁。
func (s *Switch) haltLocked(ctx context.Context, reason, source string) {
	now := s.now()
	s.state = State{
		Mode:        ModeHalted,
		Reason:      reason,
		TriggeredBy: source,
		TriggeredAt: now.Unix(),
	}
	metrics.SetKillSwitch(true)

	logger.L().Error("全局熔断已触发，全部支出评估将被拒绝",
		slog.String("reason", reason),
		slog.String("source", source))
	logger.Audit().Info("kill switch engaged",
		slog.String("reason", reason),
		slog.String("source", source))

	if s.audit != nil {
		detail := map[string]any{"mode": string(ModeHalted), "reason": reason}
		if source != "" {
			detail["source"] = source
		}
		if err := s.audit.Publish(ctx, audit.NewEvent(audit.EventKillSwitch, "kill-switch", detail)); err != nil {
			logger.L().Warn("熔断审计事件发布失败", slog.String("error", err.Error()))
		}
	}
	if s.alerter != nil {
		event := alerting.Event{
			Code:       xerrors.CodeSystemHalted,
			Message:    reason,
			Severity:   xerrors.SeverityCritical,
			Subject:    "kill-switch",
			OccurredAt: now,
		}
		if err := s.alerter.Notify(ctx, event); err != nil {
			logger.L().Warn("熔断告警发送失败", slog.String("error", err.Error()))
		}
	}
}

// Resume 由运营人员显式恢复系统。这是离开 HALTED 的唯一路径。
func (s *Switch) Resume(ctx context.Context, operatorID, reason string) error {
	if operatorID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "恢复操作必须提供运营人员标识")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Mode != ModeHalted {
		return xerrors.New(xerrors.CodeInvalidArgument, "系统未处于停机模式")
	}

	now := s.now()
	s.state = State{
		Mode:      ModeNormal,
		ResumedBy: operatorID,
		ResumedAt: now.Unix(),
	}
	s.spend.reset()
	metrics.SetKillSwitch(false)

	logger.L().Info("全局熔断已由运营人员恢复",
		slog.String("operator", operatorID),
		slog.String("reason", reason))
	logger.Audit().Info("kill switch resumed",
		slog.String("operator", operatorID),
		slog.String("reason", reason))

	if s.audit != nil {
		detail := map[string]any{"mode": string(ModeNormal), "operator": operatorID}
		if reason != "" {
			detail["reason"] = reason
		}
		if err := s.audit.Publish(ctx, audit.NewEvent(audit.EventKillSwitch, "kill-switch", detail)); err != nil {
			logger.L().Warn("恢复审计事件发布失败", slog.String("error", err.Error()))
		}
	}
	return nil
}

// spendWindow 按固定窗口聚合支出总额，用于检测支出速率突增。
// 只有当上一窗口存在非零支出时才进行比较，避免冷启动误报。
type spendWindow struct {
	size     time.Duration
	multiple decimal.Decimal

	currentStart int64
	current      decimal.Decimal
	previous     decimal.Decimal
	hasPrevious  bool
}

func newSpendWindow(size time.Duration, multiple float64) *spendWindow {
	return &spendWindow{
		size:     size,
		multiple: decimal.NewFromFloat(multiple),
	}
}

func (w *spendWindow) observe(amount decimal.Decimal, at time.Time) bool {
	windowSec := int64(w.size / time.Second)
	if windowSec <= 0 {
		windowSec = 1
	}
	start := at.Unix() / windowSec * windowSec
	switch {
	case w.currentStart == 0:
		w.currentStart = start
	case start > w.currentStart:
		// 滚动到新窗口。跨越多个空窗口时丢弃陈旧基线。
		w.hasPrevious = start-w.currentStart == windowSec && w.current.IsPositive()
		w.previous = w.current
		w.current = decimal.Zero
		w.currentStart = start
	}

	w.current = w.current.Add(amount)
	if !w.hasPrevious {
		return false
	}
	return w.current.GreaterThan(w.previous.Mul(w.multiple))
}

func (w *spendWindow) reset() {
	w.currentStart = 0
	w.current = decimal.Zero
	w.previous = decimal.Zero
	w.hasPrevious = false
}
