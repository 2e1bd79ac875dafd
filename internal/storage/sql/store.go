package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
)

// Store 邮件库（messages、deliveries、statistics、links），支持 MySQL 和 PostgreSQL
type Store struct {
	db      *sqlx.DB
	version atomic.Int64
	log     *zap.Logger
}

// Open 连接邮件库并执行待应用的迁移
func Open(ctx context.Context, cfg config.MessageDBConfig, log *zap.Logger) (*Store, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	log = log.Named("message-db")
	n, err := Migrate(db.DB, cfg.Type, migrate.Up, 0)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate message database: %w", err)
	}
	if n > 0 {
		log.Info("message database migrations applied", zap.Int("migrations", n))
	}

	store := New(db, 0, log)
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info("connected to message database",
		zap.String("driver", cfg.Type),
		zap.Int("schema_version", version),
	)
	return store, nil
}

// Connect 打开邮件库连接并测试，不执行迁移
func Connect(ctx context.Context, cfg config.MessageDBConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN
	switch cfg.Type {
	case "mysql":
		var err error
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported message database driver: %s (supported: mysql, postgres)", cfg.Type)
	}

	db, err := sqlx.Open(cfg.Type, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open message database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping message database: %w", err)
	}
	return db, nil
}

// New 使用已有连接创建邮件库，version 为初始的迁移版本
func New(db *sqlx.DB, version int, log *zap.Logger) *Store {
	s := &Store{db: db, log: log}
	s.version.Store(int64(version))
	return s
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion 返回已应用迁移中最大的版本号
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, "SELECT id FROM message_migrations"); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version := schemaVersion(ids)
	s.version.Store(int64(version))
	return version, nil
}

// schemaVersion 取迁移文件名前缀数字的最大值
func schemaVersion(ids []string) int {
	version := 0
	for _, id := range ids {
		prefix := id
		if i := strings.IndexFunc(id, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
			prefix = id[:i]
		}
		n, err := strconv.Atoi(prefix)
		if err == nil && n > version {
			version = n
		}
	}
	return version
}

// ========== Message ==========

var baseMessageColumns = []string{
	"token", "server_id", "scope", "rcpt_to", "mail_from", "subject", "message_id", "raw",
	"domain_id", "route_id", "spam_score", "threat", "threat_details", "inspected",
	"tracked_links", "tracked_images", "parsed", "timestamp",
}

// messageColumns 返回当前版本可写的列，低版本的邮件库没有端点列
func (s *Store) messageColumns() []string {
	columns := append([]string(nil), baseMessageColumns...)
	if s.version.Load() >= domain.EndpointBindingSchemaVersion {
		columns = append(columns, "endpoint_type", "endpoint_id")
	}
	return columns
}

// CreateMessage 插入新邮件并回填 ID
func (s *Store) CreateMessage(ctx context.Context, message *domain.Message) error {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	columns := s.messageColumns()
	query := fmt.Sprintf("INSERT INTO messages (%s) VALUES (:%s)",
		strings.Join(columns, ", "), strings.Join(columns, ", :"))

	if s.db.DriverName() == "postgres" {
		query, args, err := s.db.BindNamed(query+" RETURNING id", message)
		if err != nil {
			return err
		}
		return s.db.GetContext(ctx, &message.ID, query, args...)
	}

	result, err := s.db.NamedExecContext(ctx, query, message)
	if err != nil {
		return err
	}
	message.ID, err = result.LastInsertId()
	return err
}

// SaveMessage 更新已有邮件
func (s *Store) SaveMessage(ctx context.Context, message *domain.Message) error {
	columns := s.messageColumns()
	assignments := make([]string, len(columns))
	for i, column := range columns {
		assignments[i] = column + " = :" + column
	}
	query := fmt.Sprintf("UPDATE messages SET %s WHERE id = :id", strings.Join(assignments, ", "))

	result, err := s.db.NamedExecContext(ctx, query, message)
	if err != nil {
		return err
	}
	return ensureRowsAffected(result, domain.ErrMessageNotFound)
}

func (s *Store) selectMessage(ctx context.Context, where string, args ...interface{}) (*domain.Message, error) {
	query := fmt.Sprintf("SELECT id, %s FROM messages WHERE %s", strings.Join(s.messageColumns(), ", "), where)

	var message domain.Message
	if err := s.db.GetContext(ctx, &message, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	message.Timestamp = message.Timestamp.UTC()
	return &message, nil
}

// GetMessage 根据 ID 获取邮件
func (s *Store) GetMessage(ctx context.Context, serverID string, id int64) (*domain.Message, error) {
	return s.selectMessage(ctx, "server_id = ? AND id = ?", serverID, id)
}

// FindMessageByToken 根据令牌获取邮件
func (s *Store) FindMessageByToken(ctx context.Context, serverID, token string) (*domain.Message, error) {
	return s.selectMessage(ctx, "server_id = ? AND token = ?", serverID, token)
}

// ========== Delivery ==========

// InsertDelivery 追加投递记录
func (s *Store) InsertDelivery(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO deliveries (id, message_id, status, details, output, sent_with_ssl, log_id, time, timestamp)
		VALUES (:id, :message_id, :status, :details, :output, :sent_with_ssl, :log_id, :time, :timestamp)`,
		attempt)
	return err
}

// ListDeliveries 返回邮件的全部投递记录，按时间先后排序
func (s *Store) ListDeliveries(ctx context.Context, messageID int64) ([]domain.DeliveryAttempt, error) {
	var attempts []domain.DeliveryAttempt
	err := s.db.SelectContext(ctx, &attempts, s.db.Rebind(`
		SELECT id, message_id, status, details, output, sent_with_ssl, log_id, time, timestamp
		FROM deliveries
		WHERE message_id = ?
		ORDER BY id ASC`),
		messageID)
	return attempts, err
}

// ========== Statistics ==========

// IncrementStatistic 小时计数加一
func (s *Store) IncrementStatistic(ctx context.Context, serverID string, kind domain.StatisticKind, at time.Time) error {
	query := `INSERT INTO statistics (server_id, kind, period, count) VALUES (?, ?, ?, 1)
		ON DUPLICATE KEY UPDATE count = count + 1`
	if s.db.DriverName() == "postgres" {
		query = `INSERT INTO statistics (server_id, kind, period, count) VALUES (?, ?, ?, 1)
		ON CONFLICT (server_id, kind, period) DO UPDATE SET count = statistics.count + 1`
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(query), serverID, string(kind), domain.StatisticPeriod(at))
	return err
}

// GetStatistic 读取小时计数
func (s *Store) GetStatistic(ctx context.Context, serverID string, kind domain.StatisticKind, at time.Time) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		s.db.Rebind("SELECT count FROM statistics WHERE server_id = ? AND kind = ? AND period = ?"),
		serverID, string(kind), domain.StatisticPeriod(at))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// ========== Link ==========

// CreateLink 为原始链接分配令牌
func (s *Store) CreateLink(ctx context.Context, serverID string, messageID int64, url string) (string, error) {
	link := domain.Link{
		Token:     uuid.New().String(),
		ServerID:  serverID,
		MessageID: messageID,
		URL:       url,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO links (token, server_id, message_id, url, created_at)
		VALUES (:token, :server_id, :message_id, :url, :created_at)`,
		link)
	if err != nil {
		return "", err
	}
	return link.Token, nil
}

// FindLink 根据令牌获取原始链接
func (s *Store) FindLink(ctx context.Context, token string) (*domain.Link, error) {
	var link domain.Link
	err := s.db.GetContext(ctx, &link,
		s.db.Rebind("SELECT token, server_id, message_id, url, created_at FROM links WHERE token = ?"),
		token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLinkNotFound
		}
		return nil, err
	}
	return &link, nil
}

func ensureRowsAffected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
