package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	xerrors "AgentTreasury/internal/errors"
)

// MySQLStore 使用 MySQL 记录预算计数器与交易记录。
//
// 计数器的 CAS 写入通过 `UPDATE ... WHERE version = ?` 实现，
// 交易记录只有 INSERT 路径，不变式同时由存储层的 CHECK 约束兜底。
type MySQLStore struct {
	db     *sql.DB
	limits LimitSet
}

// MySQLConfig 描述连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(cfg MySQLConfig, limits LimitSet) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db, limits: limits}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return store, nil
}

// Reserve 读取（必要时创建）当前窗口的计数器并捕获版本号。
func (s *MySQLStore) Reserve(ctx context.Context, category string, amount decimal.Decimal, at time.Time) (*Reservation, error) {
	if amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额必须为正数")
	}
	periods := s.limits.PeriodsFor(category)
	if len(periods) == 0 {
		return nil, ErrNoBudgetRule
	}

	res := &Reservation{
		Category:  category,
		Amount:    amount,
		Snapshots: make([]CounterSnapshot, 0, len(periods)),
		TakenAt:   at.Unix(),
	}
	for _, period := range periods {
		snap, err := s.counterForWindow(ctx, category, period, at)
		if err != nil {
			return nil, err
		}
		if snap.Spent.Add(amount).GreaterThan(snap.Limit) {
			return nil, budgetExceededError(period)
		}
		res.Snapshots = append(res.Snapshots, snap)
	}
	return res, nil
}

func (s *MySQLStore) counterForWindow(ctx context.Context, category string, period Period, at time.Time) (CounterSnapshot, error) {
	start, end := WindowFor(period, at)
	limit, _ := s.limits.LimitFor(category, period)

	const insertStmt = `INSERT INTO budget_counters
        (category, period, window_start, window_end, limit_amount, spent_amount, version)
        VALUES (?, ?, ?, ?, ?, 0, 1)
        ON DUPLICATE KEY UPDATE category = category`
	if _, err := s.db.ExecContext(ctx, insertStmt, category, string(period), start.Unix(), end.Unix(), limit); err != nil {
		return CounterSnapshot{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建预算计数器失败")
	}

	const selectStmt = `SELECT limit_amount, spent_amount, version, window_end
        FROM budget_counters WHERE category = ? AND period = ? AND window_start = ?`
	row := s.db.QueryRowContext(ctx, selectStmt, category, string(period), start.Unix())

	snap := CounterSnapshot{Category: category, Period: period, WindowStart: start.Unix()}
	if err := row.Scan(&snap.Limit, &snap.Spent, &snap.Version, &snap.WindowEnd); err != nil {
		return CounterSnapshot{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取预算计数器失败")
	}
	return snap, nil
}

// Commit 在单个数据库事务内完成计数器 CAS 与交易记录追加。
func (s *MySQLStore) Commit(ctx context.Context, res *Reservation, record *TransactionRecord) (*TransactionRecord, error) {
	if res == nil || record == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "reservation 与 record 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易记录 ID 不能为空")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	const casStmt = `UPDATE budget_counters
        SET spent_amount = spent_amount + ?, version = version + 1
        WHERE category = ? AND period = ? AND window_start = ? AND version = ?
          AND spent_amount + ? <= limit_amount`
	for _, snap := range res.Snapshots {
		result, err := tx.ExecContext(ctx, casStmt,
			res.Amount, snap.Category, string(snap.Period), snap.WindowStart, snap.Version, res.Amount)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新预算计数器失败")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		}
		if affected == 0 {
			return nil, ErrVersionConflict
		}
	}

	if err := insertRecord(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	clone := *record
	return &clone, nil
}

// Append 直接追加一条不占用预算的决策记录。
func (s *MySQLStore) Append(ctx context.Context, record *TransactionRecord) error {
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易记录 ID 不能为空")
	}
	return insertRecord(ctx, s.db, record)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, record *TransactionRecord) error {
	const stmt = `INSERT INTO transaction_records
        (id, requesting_agent_id, category, amount, currency, projected_roi, risk_score,
         approved, reason, decision_signature, reasoning_hash, created_at, decided_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, stmt,
		record.ID,
		record.RequestingAgentID,
		record.Category,
		record.Amount,
		record.Currency,
		record.ProjectedROI,
		record.RiskScore,
		record.Approved,
		record.Reason,
		record.DecisionSignature,
		record.ReasoningHash,
		record.CreatedAt,
		record.DecidedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRecordExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易记录失败")
	}
	return nil
}

// GetRecord 查询指定交易记录。
func (s *MySQLStore) GetRecord(ctx context.Context, id string) (*TransactionRecord, error) {
	const stmt = `SELECT id, requesting_agent_id, category, amount, currency, projected_roi,
        risk_score, approved, reason, decision_signature, reasoning_hash, created_at, decided_at
        FROM transaction_records WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	record, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TransactionRecord, error) {
	var record TransactionRecord
	if err := row.Scan(
		&record.ID,
		&record.RequestingAgentID,
		&record.Category,
		&record.Amount,
		&record.Currency,
		&record.ProjectedROI,
		&record.RiskScore,
		&record.Approved,
		&record.Reason,
		&record.DecisionSignature,
		&record.ReasoningHash,
		&record.CreatedAt,
		&record.DecidedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListRecords 返回符合过滤条件的交易记录。
func (s *MySQLStore) ListRecords(ctx context.Context, opts ListOptions) ([]*TransactionRecord, error) {
	opts.applyDefaults()

	query := `SELECT id, requesting_agent_id, category, amount, currency, projected_roi,
        risk_score, approved, reason, decision_signature, reasoning_hash, created_at, decided_at
        FROM transaction_records`

	clause, filterArgs := buildRecordFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY decided_at DESC, id DESC"
	if opts.Order == SortByDecidedAsc {
		order = " ORDER BY decided_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录列表失败")
	}
	defer rows.Close()

	records := make([]*TransactionRecord, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return records, nil
}

// Counters 返回某个类别当前窗口的计数器快照，仅供展示。
func (s *MySQLStore) Counters(ctx context.Context, category string, at time.Time) ([]BudgetPeriodCounter, error) {
	periods := s.limits.PeriodsFor(category)
	if len(periods) == 0 {
		return nil, ErrNoBudgetRule
	}

	snapshots := make([]BudgetPeriodCounter, 0, len(periods))
	for _, period := range periods {
		snap, err := s.counterForWindow(ctx, category, period, at)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, BudgetPeriodCounter{
			Category:    category,
			Period:      period,
			Limit:       snap.Limit,
			Spent:       snap.Spent,
			Version:     snap.Version,
			WindowStart: snap.WindowStart,
			WindowEnd:   snap.WindowEnd,
		})
	}
	return snapshots, nil
}

// AgentHistory 汇总某个请求方的历史表现。
func (s *MySQLStore) AgentHistory(ctx context.Context, agentID string) (AgentHistory, error) {
	const stmt = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN approved = 1 THEN 1 ELSE 0 END), 0) AS approved,
        COALESCE(SUM(CASE WHEN approved = 0 THEN 1 ELSE 0 END), 0) AS rejected,
        COALESCE(SUM(CASE WHEN approved = 1 THEN amount ELSE 0 END), 0) AS total_amount
        FROM transaction_records WHERE requesting_agent_id = ?`

	row := s.db.QueryRowContext(ctx, stmt, agentID)
	history := AgentHistory{AgentID: agentID}
	if err := row.Scan(&history.TotalRequests, &history.Approved, &history.Rejected, &history.TotalAmount); err != nil {
		return AgentHistory{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询请求方历史失败")
	}
	return history, nil
}

// DB 返回底层连接，供共用同一数据库的存储复用。
func (s *MySQLStore) DB() *sql.DB {
	return s.db
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildRecordFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 5)

	if opts.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, opts.Category)
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "requesting_agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.Approved != nil {
		conditions = append(conditions, "approved = ?")
		args = append(args, *opts.Approved)
	}
	if opts.DecidedGTE > 0 {
		conditions = append(conditions, "decided_at >= ?")
		args = append(args, opts.DecidedGTE)
	}
	if opts.DecidedLTE > 0 {
		conditions = append(conditions, "decided_at <= ?")
		args = append(args, opts.DecidedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
