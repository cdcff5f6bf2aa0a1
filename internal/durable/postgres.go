package durable

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/model"
)

// Config 描述持久化存储的连接参数。
type Config struct {
	DSN             string
	PoolMin         int
	PoolMax         int
	ConnMaxLifetime time.Duration
}

const taskColumns = `id, title, COALESCE(description, '') AS description, status,
        COALESCE(assigned_agent_id, '') AS assigned_agent_id,
        COALESCE(final_complexity, 0) AS final_complexity, created_at, updated_at`

// PostgresStore 基于 PostgreSQL 实现 Store。
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore 建立连接池并初始化表结构。连接失败立即返回错误。
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "PostgreSQL DSN 不能为空")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "打开 PostgreSQL 连接失败")
	}
	applyPool(db.DB, cfg)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "无法连接到 PostgreSQL")
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func applyPool(db *sql.DB, cfg Config) {
	if cfg.PoolMax > 0 {
		db.SetMaxOpenConns(cfg.PoolMax)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.PoolMin > 0 {
		db.SetMaxIdleConns(cfg.PoolMin)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	const tasks = `CREATE TABLE IF NOT EXISTS tasks (
        id VARCHAR(64) PRIMARY KEY,
        title TEXT NOT NULL,
        description TEXT,
        status VARCHAR(32) NOT NULL DEFAULT 'pending',
        assigned_agent_id VARCHAR(64),
        final_complexity DOUBLE PRECISION,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	const logs = `CREATE TABLE IF NOT EXISTS execution_logs (
        id VARCHAR(64) PRIMARY KEY,
        task_id VARCHAR(64) NOT NULL,
        agent_id VARCHAR(64) NOT NULL,
        step INT NOT NULL DEFAULT 0,
        action TEXT NOT NULL,
        action_input TEXT,
        observation TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	const updatedIdx = `CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks (updated_at)`
	const logTaskIdx = `CREATE INDEX IF NOT EXISTS idx_execution_logs_task ON execution_logs (task_id)`

	for _, stmt := range []string{tasks, logs, updatedIdx, logTaskIdx} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化表结构失败")
		}
	}
	return nil
}

// FetchTask 查询单个任务。
func (s *PostgresStore) FetchTask(ctx context.Context, id string) (*model.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns)

	var task model.Task
	if err := s.db.GetContext(ctx, &task, query, id); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "任务不存在", xerrors.WithMetadata("task_id", id))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return &task, nil
}

// FetchChangedSince 返回 updated_at 晚于 since 的任务，升序排列。
func (s *PostgresStore) FetchChangedSince(ctx context.Context, since time.Time, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE updated_at > $1 ORDER BY updated_at ASC LIMIT $2`, taskColumns)

	tasks := make([]*model.Task, 0, limit)
	if err := s.db.SelectContext(ctx, &tasks, query, since.UTC(), limit); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按水位线查询任务失败")
	}
	return tasks, nil
}

// ExecuteBatch 在一个事务内执行整批语句。每条语句包在 SAVEPOINT 里，
// 失败只回滚到自己的保存点，不影响同批的兄弟语句。
func (s *PostgresStore) ExecuteBatch(ctx context.Context, stmts []Statement) []error {
	results := make([]error, len(stmts))
	if len(stmts) == 0 {
		return results
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
		for i := range results {
			results[i] = wrapped
		}
		return results
	}

	for i, stmt := range stmts {
		savepoint := fmt.Sprintf("stmt_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			results[i] = xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建保存点失败")
			continue
		}
		query := tx.Rebind(stmt.SQL)
		if _, err := tx.ExecContext(ctx, query, stmt.Params...); err != nil {
			results[i] = xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行批量语句失败")
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
				// 保存点回滚失败意味着整个事务已不可用，放弃剩余语句。
				abort := xerrors.Wrap(xerrors.CodeStorageFailure, rbErr, "回滚保存点失败")
				for j := i + 1; j < len(stmts); j++ {
					results[j] = abort
				}
				_ = tx.Rollback()
				return results
			}
			continue
		}
		_, _ = tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint)
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
func (s *PostgresStore) InsertLogEntry(ctx context.Context, entry *model.LogEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeValidation, "日志条目不能为空")
	}
	stmt := InsertLogEntryStatement(entry)
	query := s.db.Rebind(stmt.SQL)
	if _, err := s.db.ExecContext(ctx, query, stmt.Params...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行日志失败")
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "PostgreSQL PING 失败")
	}
	return nil
}

// Close 关闭底层连接池。
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
