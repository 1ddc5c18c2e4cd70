package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentTreasury/internal/errors"
	"AgentTreasury/internal/observability/metrics"
)

// EscrowState 表示托管金额的状态。
type EscrowState string

// 托管状态机：PENDING -> LOCKED -> RELEASED / REFUNDED，
// PENDING/LOCKED 超时后进入 EXPIRED。RELEASED、REFUNDED、EXPIRED
// 都是终态，不允许再转移。
const (
	EscrowPending  EscrowState = "PENDING"
	EscrowLocked   EscrowState = "LOCKED"
	EscrowReleased EscrowState = "RELEASED"
	EscrowRefunded EscrowState = "REFUNDED"
	EscrowExpired  EscrowState = "EXPIRED"
)

// terminal 返回该状态是否为终态。
func (s EscrowState) terminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowExpired:
		return true
	}
	return false
}

// EscrowHandle 是一笔结算的托管凭据。
type EscrowHandle struct {
	ID           string          `json:"id"`
	SettlementID string          `json:"settlement_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	State        EscrowState     `json:"state"`
	CreatedAt    int64           `json:"created_at"`
	ExpiresAt    int64           `json:"expires_at"`
}

var (
	// ErrEscrowNotFound 表示托管凭据不存在。
	ErrEscrowNotFound = xerrors.New(xerrors.CodeNotFound, "escrow handle not found")
	// ErrEscrowStateConflict 表示状态转移的前置状态不匹配。
	ErrEscrowStateConflict = xerrors.New(xerrors.CodeInvalidArgument, "escrow state conflict")
	// ErrEscrowExpired 表示托管已超时，资金按退回处理。
	ErrEscrowExpired = xerrors.New(xerrors.CodeEscrowExpired, "escrow expired")
)

// EscrowStore 抽象托管凭据的持久化。
// Transition 以比较交换语义执行状态转移：当前状态必须等于 from。
type EscrowStore interface {
	Create(ctx context.Context, handle *EscrowHandle) error
	Get(ctx context.Context, id string) (*EscrowHandle, error)
	Transition(ctx context.Context, id string, from, to EscrowState) (*EscrowHandle, error)
	Close() error
}

// MemoryEscrowStore 是进程内托管存储，主要用于测试与单机部署。
type MemoryEscrowStore struct {
	mu      sync.Mutex
	handles map[string]*EscrowHandle
	now     func() time.Time
}

var _ EscrowStore = (*MemoryEscrowStore)(nil)

// NewMemoryEscrowStore 创建内存托管存储。
func NewMemoryEscrowStore() *MemoryEscrowStore {
	return &MemoryEscrowStore{
		handles: make(map[string]*EscrowHandle),
		now:     time.Now,
	}
}

// WithClock 覆盖时间源，用于测试超时路径。
func (m *MemoryEscrowStore) WithClock(now func() time.Time) *MemoryEscrowStore {
	m.now = now
	return m
}

// Create 写入一个新的托管凭据。
func (m *MemoryEscrowStore) Create(_ context.Context, handle *EscrowHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[handle.ID]; ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管凭据已存在")
	}
	clone := *handle
	m.handles[handle.ID] = &clone
	metrics.ObserveEscrowTransition(string(handle.State), 1)
	return nil
}

// Get 返回托管凭据，读取时惰性应用超时。
func (m *MemoryEscrowStore) Get(_ context.Context, id string) (*EscrowHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.handles[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	m.expireLocked(handle)
	clone := *handle
	return &clone, nil
}

// Transition 执行一次比较交换的状态转移。
func (m *MemoryEscrowStore) Transition(_ context.Context, id string, from, to EscrowState) (*EscrowHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.handles[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	m.expireLocked(handle)
	if handle.State == EscrowExpired {
		return nil, ErrEscrowExpired
	}
	if handle.State != from {
		return nil, ErrEscrowStateConflict
	}
	if handle.State.terminal() {
		return nil, ErrEscrowStateConflict
	}
	metrics.ObserveEscrowTransition(string(handle.State), -1)
	handle.State = to
	metrics.ObserveEscrowTransition(string(to), 1)
	clone := *handle
	return &clone, nil
}

// expireLocked 将超时的非终态托管标记为 EXPIRED，调用方必须持锁。
func (m *MemoryEscrowStore) expireLocked(handle *EscrowHandle) {
	if handle.State.terminal() {
		return
	}
	if m.now().Unix() >= handle.ExpiresAt {
		metrics.ObserveEscrowTransition(string(handle.State), -1)
		handle.State = EscrowExpired
		metrics.ObserveEscrowTransition(string(EscrowExpired), 1)
	}
}

// Close 实现 EscrowStore 接口。
func (m *MemoryEscrowStore) Close() error { return nil }
