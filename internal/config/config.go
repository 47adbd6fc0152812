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

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 9999
}

// SMTPConfig 定义 SMTP 收信服务器的配置
type SMTPConfig struct {
	BindAddr        string        // 监听地址，格式 "host:port"，默认 ":25"
	Domain          string        // 服务器域名，用于 HELO/EHLO 响应
	MaxMessageBytes int64         // 单封邮件最大字节数，默认 10MB
	MaxRecipients   int           // 单次投递最大收件人数，默认 50
	MaxConnections  int           // 最大并发连接数，默认 200
	MaxConnRate     int           // 每秒最多新建连接数，默认 50
	ReadTimeout     time.Duration // 读超时，默认 60s
	WriteTimeout    time.Duration // 写超时，默认 60s
}

// MailboxConfig 定义邮箱业务配置
type MailboxConfig struct {
	AllowedDomains []string      // 允许收信的域名列表（小写，保持配置顺序）
	Retention      time.Duration // 身份不活跃多久后被回收，默认 7 天
	ReapInterval   time.Duration // 回收任务执行间隔，默认 10 分钟
	ListLimit      int           // 邮件列表返回条数，默认 32
	BodyLimit      int           // 正文最大字符数，默认 65535
}

// DatabaseConfig 定义数据库连接配置
type DatabaseConfig struct {
	Type            string        // 存储类型: "memory"、"sqlite"、"postgres" 或 "mysql"
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 配置，地址为空时使用进程内事件总线
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string // 新邮件通知的发布订阅频道
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 控制台格式输出
	File        string // 日志文件路径，留空只输出到标准输出
}

// Config 是系统配置的根结构体
type Config struct {
	Server   ServerConfig
	SMTP     SMTPConfig
	Mailbox  MailboxConfig
	Database DatabaseConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Log      LogConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: TEMPMAIL_
// 例如: TEMPMAIL_MAILBOX_ALLOWED_DOMAINS, TEMPMAIL_DATABASE_TYPE
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("tempmail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9999)
	v.SetDefault("smtp.bind_addr", ":25")
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.max_message_bytes", 10*1024*1024)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.max_connections", 200)
	v.SetDefault("smtp.max_conn_rate", 50)
	v.SetDefault("smtp.read_timeout", "60s")
	v.SetDefault("smtp.write_timeout", "60s")
	v.SetDefault("mailbox.allowed_domains", "")
	v.SetDefault("mailbox.retention", "168h")
	v.SetDefault("mailbox.reap_interval", "10m")
	v.SetDefault("mailbox.list_limit", 32)
	v.SetDefault("mailbox.body_limit", 65535)
	v.SetDefault("database.type", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "tempmail:newmail")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")

	domainList := parseDomains(v.GetString("mailbox.allowed_domains"))
	if len(domainList) == 0 {
		return nil, fmt.Errorf("mailbox.allowed_domains must not be empty")
	}

	retention, err := parseDuration(v, "mailbox.retention")
	if err != nil {
		return nil, err
	}
	if retention <= 0 {
		return nil, fmt.Errorf("mailbox.retention must be positive")
	}
	reapInterval, err := parseDuration(v, "mailbox.reap_interval")
	if err != nil {
		return nil, err
	}
	if reapInterval <= 0 {
		return nil, fmt.Errorf("mailbox.reap_interval must be positive")
	}

	readTimeout, err := parseDuration(v, "smtp.read_timeout")
	if err != nil {
		return nil, err
	}
	writeTimeout, err := parseDuration(v, "smtp.write_timeout")
	if err != nil {
		return nil, err
	}

	connMaxLifetime, err := time.ParseDuration(v.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	dbType := strings.ToLower(strings.TrimSpace(v.GetString("database.type")))
	switch dbType {
	case "", "memory":
		dbType = "memory"
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return nil, fmt.Errorf("unsupported database.type: %s (supported: memory, sqlite, postgres, mysql)", dbType)
	}
	dsn := v.GetString("database.dsn")
	if dbType != "memory" && dbType != "sqlite" && dsn == "" {
		return nil, fmt.Errorf("database.dsn is required for %s", dbType)
	}

	listLimit := v.GetInt("mailbox.list_limit")
	if listLimit <= 0 {
		listLimit = 32
	}
	bodyLimit := v.GetInt("mailbox.body_limit")
	if bodyLimit <= 0 {
		bodyLimit = 65535
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		SMTP: SMTPConfig{
			BindAddr:        v.GetString("smtp.bind_addr"),
			Domain:          v.GetString("smtp.domain"),
			MaxMessageBytes: v.GetInt64("smtp.max_message_bytes"),
			MaxRecipients:   v.GetInt("smtp.max_recipients"),
			MaxConnections:  v.GetInt("smtp.max_connections"),
			MaxConnRate:     v.GetInt("smtp.max_conn_rate"),
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
		},
		Mailbox: MailboxConfig{
			AllowedDomains: domainList,
			Retention:      retention,
			ReapInterval:   reapInterval,
			ListLimit:      listLimit,
			BodyLimit:      bodyLimit,
		},
		Database: DatabaseConfig{
			Type:            dbType,
			DSN:             dsn,
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
	}

	return cfg, nil
}

// HTTPAddr 返回 HTTP 监听地址。
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片
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
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 文件不存在时静默跳过；已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
