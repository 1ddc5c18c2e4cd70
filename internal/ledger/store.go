package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store 抽象了预算账本的持久化接口。
//
// Reserve 只读取计数器并捕获版本号，不占用额度；Commit 以比较交换的
// 方式一次性递增 spent 与 version 并追加交易记录。两个并发请求竞争
// 同一计数器时，至多一个 Commit 能以陈旧版本成功。
type Store interface {
	// Reserve 读取 category 在所有适用周期的计数器，任何一个周期
	// spent+amount 超限即返回 ErrBudgetExceeded（携带周期信息）。
	Reserve(ctx context.Context, category string, amount decimal.Decimal, at time.Time) (*Reservation, error)
	// Commit 校验 Reservation 捕获的版本号，匹配则原子地递增
	// spent/version 并持久化交易记录；不匹配返回 ErrVersionConflict。
	Commit(ctx context.Context, res *Reservation, record *TransactionRecord) (*TransactionRecord, error)
	// Append 直接追加一条不占用预算的决策记录（拒绝、升级等）。
	Append(ctx context.Context, record *TransactionRecord) error
	// GetRecord 返回指定交易记录。
	GetRecord(ctx context.Context, id string) (*TransactionRecord, error)
	// ListRecords 返回符合过滤条件的交易记录。
	ListRecords(ctx context.Context, opts ListOptions) ([]*TransactionRecord, error)
	// Counters 返回某个类别当前窗口的计数器快照，仅供展示与估算，
	// 结果可能陈旧，不得作为 Commit 依据。
	Counters(ctx context.Context, category string, at time.Time) ([]BudgetPeriodCounter, error)
	// AgentHistory 汇总某个请求方的历史表现，供风险评分参考。
	AgentHistory(ctx context.Context, agentID string) (AgentHistory, error)
	Close() error
}

// SortOrder 定义列表排序方向。
type SortOrder string

const (
	SortByDecidedDesc SortOrder = "decided_desc"
	SortByDecidedAsc  SortOrder = "decided_asc"
)

// ListOptions 描述交易记录列表的过滤条件。
type ListOptions struct {
	Category   string
	AgentID    string
	Approved   *bool
	DecidedGTE int64
	DecidedLTE int64
	Order      SortOrder
	Limit      int
	Offset     int
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Order == "" {
		o.Order = SortByDecidedDesc
	}
}
