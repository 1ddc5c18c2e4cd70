package reasoning

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "AgentTreasury/internal/errors"
)

// ReasoningContext 描述一笔支出背后的 "为什么"。
// 它的规范序列化哈希被嵌入交易记录，构成可审计的防篡改指纹。
type ReasoningContext struct {
	TrendID           string  `json:"trend_id"`
	Topic             string  `json:"topic"`
	ProjectedROI      float64 `json:"projected_roi"`
	ConfidenceScore   float64 `json:"confidence_score"`
	JustificationText string  `json:"justification_text"`
}

// Entry 是推理轨迹中的一条追加记录。
type Entry struct {
	TransactionID string           `json:"transaction_id"`
	Context       ReasoningContext `json:"context"`
	Hash          string           `json:"hash"`
	CreatedAt     int64            `json:"created_at"`
}

// ErrEntryNotFound 表示指定交易的推理记录不存在。
var ErrEntryNotFound = xerrors.New(xerrors.CodeNotFound, "reasoning entry not found")

// Store 抽象推理轨迹的追加存储。记录一旦写入不可修改。
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Get(ctx context.Context, transactionID string) (*Entry, error)
	Close() error
}

// Trail 负责计算推理哈希并落盘。
type Trail struct {
	store Store
}

// NewTrail 构造推理轨迹服务。
func NewTrail(store Store) *Trail {
	return &Trail{store: store}
}

// Record 计算 context 的规范哈希并追加存储，返回哈希值。
func (t *Trail) Record(ctx context.Context, transactionID string, rc ReasoningContext) (string, error) {
	if t == nil || t.store == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "推理轨迹未初始化")
	}
	if strings.TrimSpace(transactionID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	hash := HashContext(rc)
	entry := Entry{
		TransactionID: transactionID,
		Context:       rc,
		Hash:          hash,
		CreatedAt:     time.Now().Unix(),
	}
	if err := t.store.Append(ctx, entry); err != nil {
		return "", err
	}
	return hash, nil
}

// Lookup 返回指定交易的推理记录。
func (t *Trail) Lookup(ctx context.Context, transactionID string) (*Entry, error) {
	if t == nil || t.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "推理轨迹未初始化")
	}
	return t.store.Get(ctx, transactionID)
}

// Close 释放底层存储。
func (t *Trail) Close() error {
	if t == nil || t.store == nil {
		return nil
	}
	return t.store.Close()
}

// MemoryStore 以内存方式保存推理轨迹，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Append 实现 Store 接口。重复写入同一交易的记录被拒绝。
func (m *MemoryStore) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.TransactionID]; ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "推理记录已存在")
	}
	m.entries[entry.TransactionID] = entry
	return nil
}

// Get 返回指定交易的推理记录。
func (m *MemoryStore) Get(_ context.Context, transactionID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[transactionID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	clone := entry
	return &clone, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
