package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentTreasury/internal/errors"
)

// Period 表示预算计数器覆盖的周期粒度。
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Periods 按检查顺序列出全部周期。
var Periods = []Period{PeriodDaily, PeriodWeekly, PeriodMonthly}

// BudgetPeriodCounter 是某个类别在某个周期窗口内的聚合计数器。
// spent 只能通过 CAS 写入增长，version 是乐观并发控制的令牌。
// 不变式：0 <= Spent <= Limit 恒成立。
type BudgetPeriodCounter struct {
	Category    string          `json:"category"`
	Period      Period          `json:"period"`
	Limit       decimal.Decimal `json:"limit"`
	Spent       decimal.Decimal `json:"spent"`
	Version     int64           `json:"version"`
	WindowStart int64           `json:"window_start"`
	WindowEnd   int64           `json:"window_end"`
}

// Remaining 返回当前窗口的剩余额度。
func (c BudgetPeriodCounter) Remaining() decimal.Decimal {
	return c.Limit.Sub(c.Spent)
}

// TransactionRecord 是一次财务决策的不可变记录。
// 写入后不允许修改，更正必须以补偿记录的形式追加。
type TransactionRecord struct {
	ID                string          `json:"id"`
	RequestingAgentID string          `json:"requesting_agent_id"`
	Category          string          `json:"category"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ProjectedROI      float64         `json:"projected_roi"`
	RiskScore         float64         `json:"risk_score"`
	Approved          bool            `json:"approved"`
	Reason            string          `json:"reason"`
	DecisionSignature string          `json:"decision_signature"`
	ReasoningHash     string          `json:"reasoning_hash"`
	CreatedAt         int64           `json:"created_at"`
	DecidedAt         int64           `json:"decided_at"`
}

// CounterSnapshot 记录 Reserve 时刻观察到的计数器状态。
// Commit 阶段用 Version 做比较交换，防止两个并发请求都看到
// "预算够用" 而双双成功的幽灵更新。
type CounterSnapshot struct {
	Category    string
	Period      Period
	Version     int64
	Spent       decimal.Decimal
	Limit       decimal.Decimal
	WindowStart int64
	WindowEnd   int64
}

// Reservation 是一次预算检查的快照，本身不占用额度。
// 风险升级（ESCALATE）路径直接丢弃 Reservation 即可，不产生部分持有。
type Reservation struct {
	Category  string
	Amount    decimal.Decimal
	Snapshots []CounterSnapshot
	TakenAt   int64
}

// AgentHistory 汇总某个请求方过往的交易表现，供风险评分使用。
// 该读取是陈旧容忍的，绝不能作为 Commit 的依据。
type AgentHistory struct {
	AgentID       string
	TotalRequests int64
	Approved      int64
	Rejected      int64
	TotalAmount   decimal.Decimal
}

var (
	// ErrBudgetExceeded 表示某个周期的预算不足，属于终态拒绝。
	ErrBudgetExceeded = xerrors.New(xerrors.CodeBudgetExceeded, "budget exceeded")
	// ErrVersionConflict 表示计数器在 Reserve 之后被并发修改，可从 Reserve 重试。
	ErrVersionConflict = xerrors.New(xerrors.CodeVersionConflict, "counter version conflict")
	// ErrRecordNotFound 表示指定的交易记录不存在。
	ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "transaction record not found")
	// ErrRecordExists 表示交易记录 ID 冲突，追加写被拒绝。
	ErrRecordExists = xerrors.New(xerrors.CodeInvalidArgument, "transaction record already exists")
	// ErrNoBudgetRule 表示该类别没有任何预算规则，默认拒绝。
	ErrNoBudgetRule = xerrors.New(xerrors.CodeInvalidArgument, "no budget rule configured for category")
)

// WindowFor 计算某个时间点所属的周期窗口边界（UTC）。
func WindowFor(period Period, at time.Time) (start, end time.Time) {
	at = at.UTC()
	switch period {
	case PeriodDaily:
		start = time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	case PeriodWeekly:
		// ISO 周：周一为窗口起点。
		weekday := int(at.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		start = day.AddDate(0, 0, -(weekday - 1))
		end = start.AddDate(0, 0, 7)
	case PeriodMonthly:
		start = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	default:
		start = at
		end = at
	}
	return start, end
}

// LimitRule 定义某个类别在某个周期的额度上限。
type LimitRule struct {
	Category string
	Period   Period
	Limit    decimal.Decimal
}

// LimitSet 按 (category, period) 索引额度规则。
type LimitSet map[string]map[Period]decimal.Decimal

// NewLimitSet 由规则列表构建索引。
func NewLimitSet(rules []LimitRule) LimitSet {
	set := make(LimitSet, len(rules))
	for _, rule := range rules {
		byPeriod, ok := set[rule.Category]
		if !ok {
			byPeriod = make(map[Period]decimal.Decimal, len(Periods))
			set[rule.Category] = byPeriod
		}
		byPeriod[rule.Period] = rule.Limit
	}
	return set
}

// PeriodsFor 返回某个类别配置了额度的周期列表，保持固定顺序。
func (s LimitSet) PeriodsFor(category string) []Period {
	byPeriod, ok := s[category]
	if !ok {
		return nil
	}
	periods := make([]Period, 0, len(byPeriod))
	for _, period := range Periods {
		if _, ok := byPeriod[period]; ok {
			periods = append(periods, period)
		}
	}
	return periods
}

// LimitFor 返回某个类别在某个周期的额度。
func (s LimitSet) LimitFor(category string, period Period) (decimal.Decimal, bool) {
	byPeriod, ok := s[category]
	if !ok {
		return decimal.Decimal{}, false
	}
	limit, ok := byPeriod[period]
	return limit, ok
}
