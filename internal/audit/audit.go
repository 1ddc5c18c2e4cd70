package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType 标识审计事件的种类。
type EventType string

const (
	// EventDecision 对应每一条写入账本的交易决策。
	EventDecision EventType = "decision"
	// EventKillSwitch 对应全局停机开关的每一次状态迁移。
	EventKillSwitch EventType = "kill_switch"
	// EventEscrow 对应托管句柄的状态迁移。
	EventEscrow EventType = "escrow"
	// EventReconciliation 对应结算与账本不一致的异常，需要人工对账。
	EventReconciliation EventType = "reconciliation"
)

// Event 是对外审计流中的一条追加事件。
// 每个决策、每次停机迁移都必须被发出，消费方不回查内部状态。
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Subject    string         `json:"subject"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt int64          `json:"occurred_at"`
}

// NewEvent 构造一条审计事件。
func NewEvent(eventType EventType, subject string, detail map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Subject:    subject,
		Detail:     detail,
		OccurredAt: time.Now().Unix(),
	}
}

// Publisher 负责向外部监控方投递审计事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// MemoryPublisher 将事件保存在内存中，主要用于测试。
type MemoryPublisher struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryPublisher 创建 MemoryPublisher。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 实现 Publisher 接口。
func (m *MemoryPublisher) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events 返回已发布事件的副本。
func (m *MemoryPublisher) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clone := make([]Event, len(m.events))
	copy(clone, m.events)
	return clone
}

// EventsOfType 返回指定类型的事件副本。
func (m *MemoryPublisher) EventsOfType(eventType EventType) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []Event
	for _, event := range m.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// Close 对内存实现无需操作。
func (m *MemoryPublisher) Close() error {
	return nil
}

var _ Publisher = (*MemoryPublisher)(nil)
