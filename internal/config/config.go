package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器（跟踪链接、健康检查、指标）的监听配置
type ServerConfig struct {
	Host   string // 监听地址，默认 "0.0.0.0"
	Port   int    // 监听端口，默认 8080
	APIKey string // 管理接口（Webhook 配置）的 X-API-Key，留空不开放管理接口
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色输出，并让跟踪改写错误直接抛出
	File        string // 日志文件路径，留空只输出到控制台
}

// DatabaseConfig 定义路由/端点数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// MessageDBConfig 定义邮件库（邮件、投递记录）的连接配置
type MessageDBConfig struct {
	Type string // "mysql" 或 "postgres"
	DSN  string
}

// RedisConfig 定义 Redis 配置（跟踪链接与服务器缓存），地址留空不使用 Redis
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	CacheTTL time.Duration
}

// ScannerConfig 定义外部扫描服务（spamd / clamd）的连接配置
type ScannerConfig struct {
	Enabled bool
	Host    string
	Port    int
	Timeout time.Duration // 单次扫描的硬性截止时间
	Rate    float64       // 每秒允许的新建连接数，0 表示不限制
	// MaxConns 同时打开的最大连接数，0 表示不限制
	MaxConns int
}

// Address 返回 "host:port" 形式的地址
func (c ScannerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// InspectionConfig 汇总内容检查所需的两个扫描服务配置
type InspectionConfig struct {
	Spamd  ScannerConfig
	ClamAV ScannerConfig
}

// DNSConfig 定义与投递相关的域名配置
type DNSConfig struct {
	ReturnPath  string // 生成 Message-ID 时使用的域名
	RouteDomain string // 路由转发地址使用的域名
}

// TrackingConfig 定义点击/打开跟踪配置
type TrackingConfig struct {
	Enabled    bool // 全局开关，关闭后不会改写任何邮件
	Diagnostic bool // 诊断模式：改写失败时返回错误而不是回退原文
}

// WebhookConfig 定义 Webhook 投递配置
type WebhookConfig struct {
	Timeout       time.Duration
	RetryInterval time.Duration
}

// WorkerConfig 定义协程池配置
type WorkerConfig struct {
	Workers   int
	QueueSize int
}

// Config 是系统核心配置的根结构体
type Config struct {
	Server     ServerConfig
	CORS       CORSConfig
	Log        LogConfig
	Database   DatabaseConfig
	MessageDB  MessageDBConfig
	Redis      RedisConfig
	Inspection InspectionConfig
	DNS        DNSConfig
	Tracking   TrackingConfig
	Webhook    WebhookConfig
	Worker     WorkerConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: RELAYMAIL_，例如 RELAYMAIL_SPAMD_HOST
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("relaymail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	connMaxLifetime, err := time.ParseDuration(v.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	spamdTimeout, err := time.ParseDuration(v.GetString("spamd.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid spamd.timeout: %w", err)
	}
	clamavTimeout, err := time.ParseDuration(v.GetString("clamav.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid clamav.timeout: %w", err)
	}

	webhookTimeout, err := time.ParseDuration(v.GetString("webhook.timeout"))
	if err != nil {
		webhookTimeout = 10 * time.Second
	}
	retryInterval, err := time.ParseDuration(v.GetString("webhook.retry_interval"))
	if err != nil {
		retryInterval = 5 * time.Minute
	}

	returnPath := strings.ToLower(strings.TrimSpace(v.GetString("dns.return_path")))
	if returnPath == "" {
		return nil, fmt.Errorf("dns.return_path must not be empty")
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	workers := v.GetInt("worker.workers")
	if workers <= 0 {
		workers = 8
	}
	queueSize := v.GetInt("worker.queue_size")
	if queueSize <= 0 {
		queueSize = 100
	}

	development := v.GetBool("log.development")

	cfg := &Config{
		Server: ServerConfig{
			Host:   v.GetString("server.host"),
			Port:   v.GetInt("server.port"),
			APIKey: v.GetString("server.api_key"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: development,
			File:        v.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            v.GetString("database.type"),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		MessageDB: MessageDBConfig{
			Type: v.GetString("message_db.type"),
			DSN:  v.GetString("message_db.dsn"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			CacheTTL: v.GetDuration("redis.cache_ttl"),
		},
		Inspection: InspectionConfig{
			Spamd: ScannerConfig{
				Enabled:  v.GetBool("spamd.enabled"),
				Host:     v.GetString("spamd.host"),
				Port:     v.GetInt("spamd.port"),
				Timeout:  spamdTimeout,
				Rate:     v.GetFloat64("spamd.rate"),
				MaxConns: v.GetInt("spamd.max_conns"),
			},
			ClamAV: ScannerConfig{
				Enabled:  v.GetBool("clamav.enabled"),
				Host:     v.GetString("clamav.host"),
				Port:     v.GetInt("clamav.port"),
				Timeout:  clamavTimeout,
				Rate:     v.GetFloat64("clamav.rate"),
				MaxConns: v.GetInt("clamav.max_conns"),
			},
		},
		DNS: DNSConfig{
			ReturnPath:  returnPath,
			RouteDomain: strings.ToLower(strings.TrimSpace(v.GetString("dns.route_domain"))),
		},
		Tracking: TrackingConfig{
			Enabled:    v.GetBool("tracking.enabled"),
			Diagnostic: v.GetBool("tracking.diagnostic") || development,
		},
		Webhook: WebhookConfig{
			Timeout:       webhookTimeout,
			RetryInterval: retryInterval,
		},
		Worker: WorkerConfig{
			Workers:   workers,
			QueueSize: queueSize,
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("database.type", "") // 默认为空，使用内存存储
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("message_db.type", "mysql")
	v.SetDefault("message_db.dsn", "")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "24h")
	v.SetDefault("spamd.enabled", false)
	v.SetDefault("spamd.host", "127.0.0.1")
	v.SetDefault("spamd.port", 783)
	v.SetDefault("spamd.timeout", "15s")
	v.SetDefault("spamd.rate", 0)
	v.SetDefault("spamd.max_conns", 16)
	v.SetDefault("clamav.enabled", false)
	v.SetDefault("clamav.host", "127.0.0.1")
	v.SetDefault("clamav.port", 3310)
	v.SetDefault("clamav.timeout", "10s")
	v.SetDefault("clamav.rate", 0)
	v.SetDefault("clamav.max_conns", 16)
	v.SetDefault("dns.return_path", "rp.relaymail.local")
	v.SetDefault("dns.route_domain", "routes.relaymail.local")
	v.SetDefault("tracking.enabled", true)
	v.SetDefault("tracking.diagnostic", false)
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.retry_interval", "5m")
	v.SetDefault("worker.workers", 8)
	v.SetDefault("worker.queue_size", 100)
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 如果文件不存在则静默跳过；已存在的环境变量不会被覆盖
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
