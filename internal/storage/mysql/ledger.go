package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"L402-Agent/internal/l402"
)

const (
	ledgerFileName   = "payments.log"
	maxMemoryEntries = 512
	defaultListLimit = 20
)

// Ledger 是支付账本：记录每一次付款尝试，并按时间倒序查询。
type Ledger interface {
	l402.Recorder
	List(ctx context.Context, limit int) ([]l402.PaymentAttempt, error)
	Close() error
}

// MemoryLedger 在内存中保存最近的付款记录，同时以 JSON 行追加写入本地文件，重启后可恢复。
type MemoryLedger struct {
	mu       sync.RWMutex
	dataFile string
	records  []l402.PaymentAttempt
}

// NewMemoryLedger 在 dataDir 下创建或恢复账本文件。
func NewMemoryLedger(dataDir string) (*MemoryLedger, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	ledger := &MemoryLedger{dataFile: filepath.Join(dataDir, ledgerFileName)}
	if err := ledger.loadFromDisk(); err != nil {
		return nil, err
	}
	return ledger, nil
}

// RecordPayment 写入或更新一条付款记录。
func (m *MemoryLedger) RecordPayment(_ context.Context, attempt l402.PaymentAttempt) error {
	if attempt.ID == "" {
		return fmt.Errorf("付款记录缺少 ID")
	}
	line, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("序列化付款记录失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("打开账本文件失败: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("写入账本文件失败: %w", err)
	}

	m.records = upsert(m.records, attempt)
	return nil
}

// List 返回最近的付款记录，最新的在前。
func (m *MemoryLedger) List(_ context.Context, limit int) ([]l402.PaymentAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]l402.PaymentAttempt, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 对文件账本无需操作。
func (m *MemoryLedger) Close() error {
	return nil
}

func (m *MemoryLedger) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("读取账本文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []l402.PaymentAttempt
	for scanner.Scan() {
		var attempt l402.PaymentAttempt
		if err := json.Unmarshal(scanner.Bytes(), &attempt); err != nil || attempt.ID == "" {
			continue
		}
		// 同一 ID 的后续行是状态更新。
		restored = upsert(restored, attempt)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析账本文件失败: %w", err)
	}
	m.records = restored
	return nil
}

// upsert 更新已有记录，或把新记录放到最前面。
func upsert(records []l402.PaymentAttempt, attempt l402.PaymentAttempt) []l402.PaymentAttempt {
	for i := range records {
		if records[i].ID == attempt.ID {
			records[i] = attempt
			return records
		}
	}
	records = append([]l402.PaymentAttempt{attempt}, records...)
	if len(records) > maxMemoryEntries {
		records = records[:maxMemoryEntries]
	}
	return records
}

// SQLLedger 使用 MySQL 的 payment_ledger 表保存付款记录。
type SQLLedger struct {
	db *sql.DB
}

// NewSQLLedger 连接 MySQL 并执行迁移。
func NewSQLLedger(ctx context.Context, cfg Config) (*SQLLedger, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SQLLedger{db: db}, nil
}

// NewSQLLedgerWithDB 使用已有连接池，调用方负责迁移。
func NewSQLLedgerWithDB(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

// RecordPayment 按 ID 插入或更新付款记录。
func (s *SQLLedger) RecordPayment(ctx context.Context, attempt l402.PaymentAttempt) error {
	const stmt = `INSERT INTO payment_ledger
    (id, execution_id, host, path, payment_hash, amount_sat, fee_sat, status, failure_kind, error, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE payment_hash = VALUES(payment_hash), amount_sat = VALUES(amount_sat), fee_sat = VALUES(fee_sat),
    status = VALUES(status), failure_kind = VALUES(failure_kind), error = VALUES(error), updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt,
		attempt.ID,
		attempt.ExecutionID,
		attempt.Host,
		attempt.Path,
		attempt.PaymentHash,
		attempt.AmountSat,
		attempt.FeeSat,
		string(attempt.Status),
		attempt.FailureKind,
		attempt.Error,
		toMillis(attempt.CreatedAt),
		toMillis(attempt.UpdatedAt),
	); err != nil {
		return fmt.Errorf("写入付款记录失败: %w", err)
	}
	return nil
}

// List 查询最近的付款记录。
func (s *SQLLedger) List(ctx context.Context, limit int) ([]l402.PaymentAttempt, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, execution_id, host, path, payment_hash, amount_sat, fee_sat, status, failure_kind, error, created_at, updated_at
    FROM payment_ledger ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询付款记录失败: %w", err)
	}
	defer rows.Close()

	var records []l402.PaymentAttempt
	for rows.Next() {
		var (
			attempt          l402.PaymentAttempt
			status           string
			errText          sql.NullString
			created, updated int64
		)
		if err := rows.Scan(&attempt.ID, &attempt.ExecutionID, &attempt.Host, &attempt.Path, &attempt.PaymentHash,
			&attempt.AmountSat, &attempt.FeeSat, &status, &attempt.FailureKind, &errText, &created, &updated); err != nil {
			return nil, fmt.Errorf("解析付款记录失败: %w", err)
		}
		attempt.Status = l402.PaymentStatus(status)
		attempt.Error = errText.String
		attempt.CreatedAt = time.UnixMilli(created).UTC()
		attempt.UpdatedAt = time.UnixMilli(updated).UTC()
		records = append(records, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历付款记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLLedger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*SQLLedger)(nil)
)
