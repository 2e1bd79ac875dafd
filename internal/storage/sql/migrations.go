package sql

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations
var migrationFiles embed.FS

func init() {
	migrate.SetTable("message_migrations")
}

// MigrationStatus 邮件库迁移状态
type MigrationStatus struct {
	Applied []*migrate.MigrationRecord
	Pending []string
}

func migrationSource(driverName string) migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFiles,
		Root:       "migrations/" + driverName,
	}
}

// Migrate 按方向执行迁移，max 为 0 时不限制数量
func Migrate(db *sql.DB, driverName string, dir migrate.MigrationDirection, max int) (int, error) {
	return migrate.ExecMax(db, driverName, migrationSource(driverName), dir, max)
}

// Status 返回已应用与待应用的迁移
func Status(db *sql.DB, driverName string) (*MigrationStatus, error) {
	applied, err := migrate.GetMigrationRecords(db, driverName)
	if err != nil {
		return nil, fmt.Errorf("read migration records: %w", err)
	}

	planned, _, err := migrate.PlanMigration(db, driverName, migrationSource(driverName), migrate.Up, 0)
	if err != nil {
		return nil, fmt.Errorf("plan migrations: %w", err)
	}

	status := &MigrationStatus{Applied: applied}
	for _, m := range planned {
		status.Pending = append(status.Pending, m.Id)
	}
	return status, nil
}

// mysqlDSN 强制 parseTime 与 clientFoundRows：时间列需要扫描为 time.Time，
// UPDATE 未改变数据时仍需返回匹配行数
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("failed to parse message database DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}
