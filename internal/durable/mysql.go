package durable

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/model"
	"time"
)

// MySQLStore 基于 MySQL 实现 Store。DSN 必须带 parseTime=true，
// 否则时间列无法扫描进 time.Time。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接池并初始化表结构。
func NewMySQLStore(ctx context.Context, cfg Config) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "打开 MySQL 连接失败")
	}
	applyPool(db, cfg)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema(ctx context.Context) error {
	const tasks = `CREATE TABLE IF NOT EXISTS tasks (
        id VARCHAR(64) PRIMARY KEY,
        title TEXT NOT NULL,
        description TEXT,
        status VARCHAR(32) NOT NULL DEFAULT 'pending',
        assigned_agent_id VARCHAR(64),
        final_complexity DOUBLE,
        created_at TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
        updated_at TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
        INDEX idx_tasks_updated (updated_at)
)`
	const logs = `CREATE TABLE IF NOT EXISTS execution_logs (
        id VARCHAR(64) PRIMARY KEY,
        task_id VARCHAR(64) NOT NULL,
        agent_id VARCHAR(64) NOT NULL,
        step INT NOT NULL DEFAULT 0,
        action TEXT NOT NULL,
        action_input TEXT,
        observation TEXT,
        created_at TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
        INDEX idx_execution_logs_task (task_id)
)`

	for _, stmt := range []string{tasks, logs} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化表结构失败")
		}
	}
	return nil
}

const mysqlTaskColumns = `id, title, COALESCE(description, ''), status,
        COALESCE(assigned_agent_id, ''), COALESCE(final_complexity, 0), created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var task model.Task
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Status,
		&task.AssignedAgentID,
		&task.Complexity,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &task, nil
}

// FetchTask 查询单个任务。
func (s *MySQLStore) FetchTask(ctx context.Context, id string) (*model.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id = ?`, mysqlTaskColumns)

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "任务不存在", xerrors.WithMetadata("task_id", id))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// FetchChangedSince 返回 updated_at 晚于 since 的任务，升序排列。
func (s *MySQLStore) FetchChangedSince(ctx context.Context, since time.Time, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE updated_at > ? ORDER BY updated_at ASC LIMIT ?`, mysqlTaskColumns)

	rows, err := s.db.QueryContext(ctx, query, since.UTC(), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按水位线查询任务失败")
	}
	defer rows.Close()

	tasks := make([]*model.Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// ExecuteBatch 在一个事务内执行整批语句。MySQL 的事务不会因单条语句
// 失败而失效，逐条捕获错误即可。
func (s *MySQLStore) ExecuteBatch(ctx context.Context, stmts []Statement) []error {
	results := make([]error, len(stmts))
	if len(stmts) == 0 {
		return results
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
		for i := range results {
			results[i] = wrapped
		}
		return results
	}

	for i, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Params...); err != nil {
			results[i] = xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行批量语句失败")
		}
	}

	if err := tx.Commit(); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
		for i := range results {
			if results[i] == nil {
				results[i] = wrapped
			}
		}
	}
	return results
}

// InsertLogEntry 直接写入一条执行日志。
func (s *MySQLStore) InsertLogEntry(ctx context.Context, entry *model.LogEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeValidation, "日志条目不能为空")
	}
	stmt := InsertLogEntryStatement(entry)
	if _, err := s.db.ExecContext(ctx, stmt.SQL, stmt.Params...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行日志失败")
	}
	return nil
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "MySQL PING 失败")
	}
	return nil
}

// Close 关闭底层连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
