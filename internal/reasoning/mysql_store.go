package reasoning

import (
	"context"
	"database/sql"
	stdErrors "errors"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentTreasury/internal/errors"
)

// MySQLStore 使用 MySQL 追加推理轨迹。
// 表以 transaction_id 为主键，重复写入映射为参数错误，天然只追加。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的连接创建推理轨迹存储。
// 连接的生命周期与表结构迁移由调用方（账本存储）管理。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

// Append 实现 Store 接口。
func (s *MySQLStore) Append(ctx context.Context, entry Entry) error {
	const stmt = `INSERT INTO reasoning_entries
        (transaction_id, trend_id, topic, projected_roi, confidence_score, justification_text, hash, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		entry.TransactionID,
		entry.Context.TrendID,
		entry.Context.Topic,
		entry.Context.ProjectedROI,
		entry.Context.ConfidenceScore,
		entry.Context.JustificationText,
		entry.Hash,
		entry.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeInvalidArgument, "推理记录已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入推理记录失败")
	}
	return nil
}

// Get 返回指定交易的推理记录。
func (s *MySQLStore) Get(ctx context.Context, transactionID string) (*Entry, error) {
	const stmt = `SELECT transaction_id, trend_id, topic, projected_roi, confidence_score,
        justification_text, hash, created_at FROM reasoning_entries WHERE transaction_id = ?`

	row := s.db.QueryRowContext(ctx, stmt, transactionID)

	var entry Entry
	if err := row.Scan(
		&entry.TransactionID,
		&entry.Context.TrendID,
		&entry.Context.Topic,
		&entry.Context.ProjectedROI,
		&entry.Context.ConfidenceScore,
		&entry.Context.JustificationText,
		&entry.Hash,
		&entry.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询推理记录失败")
	}
	return &entry, nil
}

// Close 不关闭共享连接。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)
