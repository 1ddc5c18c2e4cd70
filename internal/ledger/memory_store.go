package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentTreasury/internal/errors"
)

type counterKey struct {
	category    string
	period      Period
	windowStart int64
}

// MemoryStore 以内存方式保存账本状态，用于测试与单机模式。
// 所有写入在同一把互斥锁下串行化，版本号语义与 MySQL 实现一致。
type MemoryStore struct {
	mu       sync.RWMutex
	limits   LimitSet
	counters map[counterKey]*BudgetPeriodCounter
	records  map[string]*TransactionRecord
	order    []string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(limits LimitSet) *MemoryStore {
	return &MemoryStore{
		limits:   limits,
		counters: make(map[counterKey]*BudgetPeriodCounter),
		records:  make(map[string]*TransactionRecord),
	}
}

// Reserve 实现 Store 接口。
func (m *MemoryStore) Reserve(_ context.Context, category string, amount decimal.Decimal, at time.Time) (*Reservation, error) {
	if amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额必须为正数")
	}
	periods := m.limits.PeriodsFor(category)
	if len(periods) == 0 {
		return nil, ErrNoBudgetRule
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res := &Reservation{
		Category:  category,
		Amount:    amount,
		Snapshots: make([]CounterSnapshot, 0, len(periods)),
		TakenAt:   at.Unix(),
	}
	for _, period := range periods {
		counter := m.counterForWindow(category, period, at)
		if counter.Spent.Add(amount).GreaterThan(counter.Limit) {
			return nil, budgetExceededError(period)
		}
		res.Snapshots = append(res.Snapshots, CounterSnapshot{
			Category:    category,
			Period:      period,
			Version:     counter.Version,
			Spent:       counter.Spent,
			Limit:       counter.Limit,
			WindowStart: counter.WindowStart,
			WindowEnd:   counter.WindowEnd,
		})
	}
	return res, nil
}

// Commit 实现 Store 接口的比较交换写入。
func (m *MemoryStore) Commit(_ context.Context, res *Reservation, record *TransactionRecord) (*TransactionRecord, error) {
	if res == nil || record == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "reservation 与 record 不能为空")
	}
	if record.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易记录 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[record.ID]; ok {
		return nil, ErrRecordExists
	}

	// 第一遍只校验版本号，任何一个计数器失配都不得产生部分写入。
	targets := make([]*BudgetPeriodCounter, 0, len(res.Snapshots))
	for _, snap := range res.Snapshots {
		key := counterKey{category: snap.Category, period: snap.Period, windowStart: snap.WindowStart}
		counter, ok := m.counters[key]
		if !ok || counter.Version != snap.Version {
			return nil, ErrVersionConflict
		}
		if counter.Spent.Add(res.Amount).GreaterThan(counter.Limit) {
			return nil, budgetExceededError(snap.Period)
		}
		targets = append(targets, counter)
	}
	for _, counter := range targets {
		counter.Spent = counter.Spent.Add(res.Amount)
		counter.Version++
	}

	clone := *record
	m.records[record.ID] = &clone
	m.order = append(m.order, record.ID)
	result := clone
	return &result, nil
}

// Append 追加一条不占用预算的决策记录。
func (m *MemoryStore) Append(_ context.Context, record *TransactionRecord) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易记录 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return ErrRecordExists
	}
	clone := *record
	m.records[record.ID] = &clone
	m.order = append(m.order, record.ID)
	return nil
}

// GetRecord 返回交易记录。
func (m *MemoryStore) GetRecord(_ context.Context, id string) (*TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *record
	return &clone, nil
}

// ListRecords 返回符合过滤条件的交易记录。
func (m *MemoryStore) ListRecords(_ context.Context, opts ListOptions) ([]*TransactionRecord, error) {
	opts.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*TransactionRecord, 0, opts.Limit)
	for _, id := range m.order {
		record := m.records[id]
		if !matchesRecordFilters(record, opts) {
			continue
		}
		clone := *record
		results = append(results, &clone)
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByDecidedAsc {
			if results[i].DecidedAt == results[j].DecidedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].DecidedAt < results[j].DecidedAt
		}
		if results[i].DecidedAt == results[j].DecidedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].DecidedAt > results[j].DecidedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Counters 返回某个类别当前窗口的计数器快照。
func (m *MemoryStore) Counters(_ context.Context, category string, at time.Time) ([]BudgetPeriodCounter, error) {
	periods := m.limits.PeriodsFor(category)
	if len(periods) == 0 {
		return nil, ErrNoBudgetRule
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshots := make([]BudgetPeriodCounter, 0, len(periods))
	for _, period := range periods {
		start, end := WindowFor(period, at)
		key := counterKey{category: category, period: period, windowStart: start.Unix()}
		if counter, ok := m.counters[key]; ok {
			snapshots = append(snapshots, *counter)
			continue
		}
		limit, _ := m.limits.LimitFor(category, period)
		snapshots = append(snapshots, BudgetPeriodCounter{
			Category:    category,
			Period:      period,
			Limit:       limit,
			Spent:       decimal.Zero,
			Version:     0,
			WindowStart: start.Unix(),
			WindowEnd:   end.Unix(),
		})
	}
	return snapshots, nil
}

// AgentHistory 汇总某个请求方的历史表现。
func (m *MemoryStore) AgentHistory(_ context.Context, agentID string) (AgentHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := AgentHistory{AgentID: agentID, TotalAmount: decimal.Zero}
	for _, record := range m.records {
		if record.RequestingAgentID != agentID {
			continue
		}
		history.TotalRequests++
		if record.Approved {
			history.Approved++
			history.TotalAmount = history.TotalAmount.Add(record.Amount)
		} else {
			history.Rejected++
		}
	}
	return history, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// counterForWindow 返回当前窗口的计数器，窗口翻转时创建新计数器。
// 旧窗口的计数器保留在 map 中作为归档。
func (m *MemoryStore) counterForWindow(category string, period Period, at time.Time) *BudgetPeriodCounter {
	start, end := WindowFor(period, at)
	key := counterKey{category: category, period: period, windowStart: start.Unix()}
	if counter, ok := m.counters[key]; ok {
		return counter
	}
	limit, _ := m.limits.LimitFor(category, period)
	counter := &BudgetPeriodCounter{
		Category:    category,
		Period:      period,
		Limit:       limit,
		Spent:       decimal.Zero,
		Version:     1,
		WindowStart: start.Unix(),
		WindowEnd:   end.Unix(),
	}
	m.counters[key] = counter
	return counter
}

func matchesRecordFilters(record *TransactionRecord, opts ListOptions) bool {
	if opts.Category != "" && record.Category != opts.Category {
		return false
	}
	if opts.AgentID != "" && record.RequestingAgentID != opts.AgentID {
		return false
	}
	if opts.Approved != nil && record.Approved != *opts.Approved {
		return false
	}
	if opts.DecidedGTE > 0 && record.DecidedAt < opts.DecidedGTE {
		return false
	}
	if opts.DecidedLTE > 0 && record.DecidedAt > opts.DecidedLTE {
		return false
	}
	return true
}

func budgetExceededError(period Period) error {
	return xerrors.New(
		xerrors.CodeBudgetExceeded,
		fmt.Sprintf("exceeds %s budget", period),
		xerrors.WithMetadata("period", string(period)),
	)
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
