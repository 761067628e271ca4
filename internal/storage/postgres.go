// Package storage 提供数据存储层的实现，包括 PostgreSQL 与 Redis 两种存储方式。
// 本文件实现了基于 PostgreSQL 的持久化存储功能，主要用于：
//   - 函数(Function)的 CRUD 操作
//   - 执行指标(MetricRecord)的写入、查询、聚合与保留清理
//   - 数据库迁移
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // PostgreSQL 驱动

	"github.com/oriys/runbox/internal/config"
	"github.com/oriys/runbox/internal/domain"
)

// uniqueViolation 是 PostgreSQL 唯一约束冲突的错误码
const uniqueViolation = "23505"

// PostgresStore 是 PostgreSQL 存储的封装结构体。
// 提供函数与执行指标的持久化存储功能。
type PostgresStore struct {
	db *sql.DB // 数据库连接池
}

// NewPostgresStore 创建并初始化一个新的 PostgreSQL 存储实例。
// 该函数会建立数据库连接、配置连接池参数并执行数据库迁移。
//
// 参数:
//   - cfg: PostgreSQL 配置信息
//
// 返回值:
//   - *PostgresStore: 初始化完成的 PostgreSQL 存储实例
//   - error: 连接失败或迁移失败时返回错误信息
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 配置连接池参数
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := newPostgresStoreWithDB(db)
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// newPostgresStoreWithDB 使用已有连接创建存储实例，不执行迁移。
func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// migrate 执行数据库迁移，使用 IF NOT EXISTS 保证幂等。
func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		// functions 表：name 与 route 全局唯一，timeout 以秒为单位
		`CREATE TABLE IF NOT EXISTS functions (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(64) UNIQUE NOT NULL,
			runtime VARCHAR(32) NOT NULL,
			code TEXT NOT NULL,
			route VARCHAR(256) UNIQUE NOT NULL,
			timeout DOUBLE PRECISION NOT NULL DEFAULT 30,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,

		// function_metrics 表：每次执行一行，函数删除时级联删除
		`CREATE TABLE IF NOT EXISTS function_metrics (
			id BIGSERIAL PRIMARY KEY,
			function_id BIGINT NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
			execution_id VARCHAR(36),
			execution_time DOUBLE PRECISION NOT NULL,
			memory_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL,
			exit_code INTEGER NOT NULL DEFAULT 0,
			error_kind VARCHAR(32),
			error_message TEXT,
			timestamp TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_function_metrics_function_ts ON function_metrics(function_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_function_metrics_ts ON function_metrics(timestamp)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭数据库连接池。
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping 检查数据库连通性。
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// ==================== 函数相关 ====================

const functionColumns = `id, name, runtime, code, route, timeout, created_at, updated_at`

// CreateFunction 插入函数记录，回填 ID 与时间戳。
// 名称或路由冲突时返回 domain.ErrFunctionExists。
func (s *PostgresStore) CreateFunction(ctx context.Context, fn *domain.Function) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO functions (name, runtime, code, route, timeout, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		fn.Name, string(fn.Runtime), fn.Code, fn.Route, fn.TimeoutSeconds, now,
	).Scan(&fn.ID)
	if err != nil {
		return mapWriteError("create function", err)
	}
	fn.CreatedAt = now
	fn.UpdatedAt = now
	return nil
}

// GetFunctionByID 根据 ID 查询函数。
func (s *PostgresStore) GetFunctionByID(ctx context.Context, id int64) (*domain.Function, error) {
	query := `SELECT ` + functionColumns + ` FROM functions WHERE id = $1`
	return scanFunction(s.db.QueryRowContext(ctx, query, id))
}

// GetFunctionByRoute 根据自定义路由查询函数。
func (s *PostgresStore) GetFunctionByRoute(ctx context.Context, route string) (*domain.Function, error) {
	query := `SELECT ` + functionColumns + ` FROM functions WHERE route = $1`
	return scanFunction(s.db.QueryRowContext(ctx, query, route))
}

// ListFunctions 分页查询函数列表，按 ID 升序，同时返回总数。
func (s *PostgresStore) ListFunctions(ctx context.Context, offset, limit int) ([]*domain.Function, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM functions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count functions: %w", err)
	}

	query := `SELECT ` + functionColumns + ` FROM functions ORDER BY id ASC LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list functions: %w", err)
	}
	defer rows.Close()

	functions := make([]*domain.Function, 0, limit)
	for rows.Next() {
		fn, err := scanFunction(rows)
		if err != nil {
			return nil, 0, err
		}
		functions = append(functions, fn)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return functions, total, nil
}

// UpdateFunction 更新函数的可修改字段，刷新 UpdatedAt。
func (s *PostgresStore) UpdateFunction(ctx context.Context, fn *domain.Function) error {
	fn.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE functions SET
			name = $2, runtime = $3, code = $4, route = $5, timeout = $6, updated_at = $7
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query,
		fn.ID, fn.Name, string(fn.Runtime), fn.Code, fn.Route, fn.TimeoutSeconds, fn.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("update function", err)
	}
	return expectAffected(result)
}

// DeleteFunction 删除函数，其指标记录随之级联删除。
func (s *PostgresStore) DeleteFunction(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM functions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete function: %w", err)
	}
	return expectAffected(result)
}

// CountFunctions 返回函数总数。
func (s *PostgresStore) CountFunctions(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM functions`).Scan(&n)
	return n, err
}

// ==================== 指标相关 ====================

// CreateMetric 插入一条指标记录，回填 ID。
func (s *PostgresStore) CreateMetric(ctx context.Context, m *domain.MetricRecord) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	query := `
		INSERT INTO function_metrics
			(function_id, execution_id, execution_time, memory_usage, status, exit_code, error_kind, error_message, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		m.FunctionID, nullString(m.ExecutionID), m.ExecutionTime, m.MemoryUsage, string(m.Status),
		m.ExitCode, nullString(string(m.ErrorKind)), nullString(m.ErrorMessage), m.Timestamp,
	).Scan(&m.ID)
	if err != nil {
		var pqErr *pq.Error
		// 外键冲突：函数不存在
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return domain.ErrFunctionNotFound
		}
		return fmt.Errorf("failed to create metric: %w", err)
	}
	return nil
}

// ListMetrics 查询函数最近的指标记录，按时间倒序。
func (s *PostgresStore) ListMetrics(ctx context.Context, functionID int64, limit int) ([]*domain.MetricRecord, error) {
	query := `
		SELECT id, function_id, execution_id, execution_time, memory_usage, status, exit_code, error_kind, error_message, timestamp
		FROM function_metrics WHERE function_id = $1
		ORDER BY timestamp DESC, id DESC LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, functionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	records := make([]*domain.MetricRecord, 0, limit)
	for rows.Next() {
		var (
			m                               domain.MetricRecord
			status                          string
			execID, errorKind, errorMessage sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.FunctionID, &execID, &m.ExecutionTime, &m.MemoryUsage,
			&status, &m.ExitCode, &errorKind, &errorMessage, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Status = domain.ExecutionStatus(status)
		m.ExecutionID = execID.String
		m.ErrorKind = domain.ErrorKind(errorKind.String)
		m.ErrorMessage = errorMessage.String
		records = append(records, &m)
	}
	return records, rows.Err()
}

// GetFunctionStats 聚合函数的执行统计，没有记录时全部为 0。
func (s *PostgresStore) GetFunctionStats(ctx context.Context, functionID int64) (*domain.FunctionStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COALESCE(AVG(execution_time), 0),
			COALESCE(AVG(memory_usage), 0)
		FROM function_metrics WHERE function_id = $1
	`
	var (
		total, successes int64
		avgTime, avgMem  float64
	)
	if err := s.db.QueryRowContext(ctx, query, functionID).Scan(&total, &successes, &avgTime, &avgMem); err != nil {
		return nil, fmt.Errorf("failed to get function stats: %w", err)
	}
	return domain.ComputeStats(functionID, total, successes, avgTime, avgMem), nil
}

// DeleteMetricsBefore 删除早于 before 的指标记录，返回删除行数。
func (s *PostgresStore) DeleteMetricsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM function_metrics WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune metrics: %w", err)
	}
	return result.RowsAffected()
}

// ==================== 辅助函数 ====================

// rowScanner 同时适配 *sql.Row 与 *sql.Rows。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFunction(row rowScanner) (*domain.Function, error) {
	var (
		fn      domain.Function
		runtime string
	)
	err := row.Scan(&fn.ID, &fn.Name, &runtime, &fn.Code, &fn.Route, &fn.TimeoutSeconds, &fn.CreatedAt, &fn.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrFunctionNotFound
		}
		return nil, err
	}
	fn.Runtime = domain.Runtime(runtime)
	return &fn, nil
}

// mapWriteError 将唯一约束冲突映射为 domain.ErrFunctionExists。
func mapWriteError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrFunctionExists, pqErr.Constraint)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func expectAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrFunctionNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
