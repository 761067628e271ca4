// Package config 提供了函数执行平台的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项（如密码和密钥）。
// 配置包含了服务器、认证、执行引擎、Docker、本地回退、存储、事件、日志、指标、
// 遥测和指标保留等多个方面的设置。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
// 该结构体通过 YAML 标签与配置文件进行映射。
type Config struct {
	// Server 服务器配置，包括 HTTP 端口、指标端口等
	Server ServerConfig `yaml:"server"`
	// Auth 认证配置，包括 JWT 和 API Key 相关设置
	Auth AuthConfig `yaml:"auth"`
	// Engine 执行引擎配置
	Engine EngineConfig `yaml:"engine"`
	// Docker 容器后端配置
	Docker DockerConfig `yaml:"docker"`
	// Local 本地回退后端配置
	Local LocalConfig `yaml:"local"`
	// Storage 存储配置，包括 PostgreSQL 和 Redis 连接信息
	Storage StorageConfig `yaml:"storage"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
	// Retention 执行指标保留策略
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig 服务器配置结构体。
type ServerConfig struct {
	// HTTPPort HTTP API 服务端口
	// 默认值：8080
	HTTPPort int `yaml:"http_port"`
	// MetricsPort 指标服务端口，与 HTTPPort 相同时指标挂在主路由上
	// 默认值：9090
	MetricsPort int `yaml:"metrics_port"`
	// ReadTimeout 读取请求超时
	// 默认值：30 秒
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout 写入响应超时，需要大于最长的函数超时
	// 默认值：330 秒
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins CORS 允许的来源
	// 默认值：["*"]
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig 认证配置结构体。
// 定义了 JWT 和 API Key 认证相关的设置。
type AuthConfig struct {
	// Enabled 是否启用认证
	Enabled bool `yaml:"enabled"`
	// JWTSecret JWT 签名密钥，可通过环境变量 RUNBOX_AUTH_JWT_SECRET 或
	// RUNBOX_AUTH_JWT_SECRET_FILE（文件路径）覆盖
	JWTSecret string `yaml:"jwt_secret"`
	// JWTExpiration JWT 令牌过期时间
	// 默认值：24 小时
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	// APIKeyHeader API Key 请求头名称
	// 默认值：X-API-Key
	APIKeyHeader string `yaml:"api_key_header"`
	// APIKeys 静态 API Key 列表
	APIKeys []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig 单个静态 API Key 配置。
// Key 与 KeyHash 二选一，推荐只在配置中保存 SHA-256 哈希。
type APIKeyConfig struct {
	// Name API Key 名称
	Name string `yaml:"name"`
	// Key 原始 API Key（不推荐）
	Key string `yaml:"key,omitempty"`
	// KeyHash API Key 的 SHA-256 十六进制哈希
	KeyHash string `yaml:"key_hash,omitempty"`
	// UserID 关联的用户 ID
	UserID string `yaml:"user_id"`
	// Role 角色
	// 默认值：user
	Role string `yaml:"role"`
}

// EngineConfig 执行引擎配置结构体。
type EngineConfig struct {
	// ProbeTimeout 启动时探测容器后端可用性的超时
	// 默认值：5 秒
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// DisableContainer 强制禁用容器后端（仅用于开发调试）
	DisableContainer bool `yaml:"disable_container"`
}

// DockerConfig Docker 容器后端配置结构体。
type DockerConfig struct {
	// Hosts 候选 Docker 守护进程地址，按顺序探测。
	// 空列表表示只使用环境变量（DOCKER_HOST 等）。
	// 例如：["unix:///var/run/docker.sock", "tcp://localhost:2375"]
	Hosts []string `yaml:"hosts"`
	// NetworkMode Docker 网络模式
	// 默认值：none
	NetworkMode string `yaml:"network_mode"`
	// Images 运行时镜像映射表，键为运行时名称（python/javascript）
	// 默认值：python -> python:3.9-slim，javascript -> node:16-slim
	Images map[string]string `yaml:"images,omitempty"`
	// PullOnStartup 启动时是否预拉取镜像
	// 默认值：true
	PullOnStartup *bool `yaml:"pull_on_startup"`
	// PullTimeout 预拉取镜像的总超时
	// 默认值：5 分钟
	PullTimeout time.Duration `yaml:"pull_timeout"`
	// WorkDir 物化函数代码的临时目录根路径，需对 Docker 守护进程可见
	// 默认值：系统临时目录
	WorkDir string `yaml:"work_dir"`
	// APITimeout 创建、启动容器等单次守护进程调用的超时，不计入函数自身的超时
	// 默认值：30 秒
	APITimeout time.Duration `yaml:"api_timeout"`
	// CleanupTimeout 删除容器的超时
	// 默认值：10 秒
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
}

// ShouldPull 返回是否在启动时预拉取镜像。
func (c DockerConfig) ShouldPull() bool {
	return c.PullOnStartup == nil || *c.PullOnStartup
}

// LocalConfig 本地回退后端配置结构体。
// 本地回退不提供隔离，仅在容器后端不可用时使用。
type LocalConfig struct {
	// Enabled 是否启用本地回退
	// 默认值：true
	Enabled *bool `yaml:"enabled"`
	// Interpreter Python 解释器路径
	// 默认值：python3
	Interpreter string `yaml:"interpreter"`
	// WorkDir 临时文件目录
	// 默认值：系统临时目录
	WorkDir string `yaml:"work_dir"`
}

// IsEnabled 返回本地回退是否启用。
func (c LocalConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// StorageConfig 存储配置结构体。
type StorageConfig struct {
	// Postgres PostgreSQL 数据库配置
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis Redis 缓存配置
	Redis RedisConfig `yaml:"redis"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
type PostgresConfig struct {
	// Host 数据库主机地址
	Host string `yaml:"host"`
	// Port 数据库端口号
	// 默认值：5432
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 RUNBOX_POSTGRES_PASSWORD 或
	// RUNBOX_POSTGRES_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// SSLMode 连接 SSL 模式
	// 默认值：disable
	SSLMode string `yaml:"ssl_mode"`
	// MaxConnections 最大连接数
	// 默认值：20
	MaxConnections int `yaml:"max_connections"`
}

// DSN 构建 lib/pq 连接字符串。
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig Redis 缓存配置结构体。
type RedisConfig struct {
	// Enabled 是否启用函数缓存
	Enabled bool `yaml:"enabled"`
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 RUNBOX_REDIS_PASSWORD 或
	// RUNBOX_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
	// CacheTTL 函数缓存的过期时间
	// 默认值：5 分钟
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// EventsConfig 事件配置结构体。
type EventsConfig struct {
	// Enabled 是否发布执行事件
	Enabled bool `yaml:"enabled"`
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"
	NatsURL string `yaml:"nats_url"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	// 默认值：runbox
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
// 定义了分布式追踪的相关设置，支持 OpenTelemetry 协议。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址（如 "tempo:4317"）
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称，用于追踪标识
	// 默认值：runbox-gateway
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识（如 production、staging、development）
	// 默认值：development
	Environment string `yaml:"environment"`
}

// RetentionConfig 执行指标保留策略。
type RetentionConfig struct {
	// MaxAge 指标记录的最长保留时间，0 表示永久保留
	// 默认值：720 小时（30 天）
	MaxAge *time.Duration `yaml:"max_age"`
	// Schedule 清理任务的 cron 表达式（含秒字段）
	// 默认值：每天 03:00:00
	Schedule string `yaml:"schedule"`
}

// Age 返回生效的保留时长。
func (c RetentionConfig) Age() time.Duration {
	if c.MaxAge == nil {
		return 0
	}
	return *c.MaxAge
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，处理环境变量覆盖，并进行校验。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取、解析或校验失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 配置内容。
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置的一致性。
func (c *Config) Validate() error {
	var errs []error
	for _, rt := range []string{"python", "javascript"} {
		if strings.TrimSpace(c.Docker.Images[rt]) == "" {
			errs = append(errs, fmt.Errorf("docker.images.%s must not be empty", rt))
		}
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required when auth is enabled"))
	}
	if c.Retention.Age() > 0 {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
	}
	if c.Events.Enabled && c.Events.NatsURL == "" {
		errs = append(errs, errors.New("events.nats_url is required when events are enabled"))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides 应用环境变量覆盖。
// 支持两种方式：
// 1. 直接设置环境变量（如 RUNBOX_POSTGRES_PASSWORD）
// 2. 通过 _FILE 后缀指定包含密钥的文件路径（如 RUNBOX_POSTGRES_PASSWORD_FILE）
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFileAny(
		[]string{"RUNBOX_POSTGRES_PASSWORD"},
		[]string{"RUNBOX_POSTGRES_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"RUNBOX_REDIS_PASSWORD"},
		[]string{"RUNBOX_REDIS_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"RUNBOX_AUTH_JWT_SECRET"},
		[]string{"RUNBOX_AUTH_JWT_SECRET_FILE"},
	); v != "" {
		c.Auth.JWTSecret = v
	}
	// DOCKER_HOST 由 Docker 客户端自身读取，这里只处理额外的候选列表
	if v := strings.TrimSpace(os.Getenv("RUNBOX_DOCKER_HOSTS")); v != "" {
		c.Docker.Hosts = strings.Split(v, ",")
	}
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 优先从 fileKeys 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKeys 指定的环境变量读取。
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
	}

	return ""
}

// applyDefaults 应用默认配置值。
// 该方法为未设置的配置项填充合理的默认值，确保应用可以正常运行。
func (c *Config) applyDefaults() {
	// HTTP 端口默认为 8080
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	// 指标端口默认为 9090
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	// 写超时需覆盖最长函数超时（300 秒）
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 330 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	// JWT 过期时间默认为 24 小时
	if c.Auth.JWTExpiration == 0 {
		c.Auth.JWTExpiration = 24 * time.Hour
	}
	// API Key 请求头默认为 X-API-Key
	if c.Auth.APIKeyHeader == "" {
		c.Auth.APIKeyHeader = "X-API-Key"
	}
	for i := range c.Auth.APIKeys {
		if c.Auth.APIKeys[i].Role == "" {
			c.Auth.APIKeys[i].Role = "user"
		}
	}

	if c.Engine.ProbeTimeout == 0 {
		c.Engine.ProbeTimeout = 5 * time.Second
	}

	// Docker 网络模式默认为 none（最安全）
	if c.Docker.NetworkMode == "" {
		c.Docker.NetworkMode = "none"
	}
	// 固定的两个运行时基础镜像，配置只能覆盖，不能新增运行时
	images := map[string]string{
		"python":     "python:3.9-slim",
		"javascript": "node:16-slim",
	}
	for runtime, image := range c.Docker.Images {
		if _, ok := images[runtime]; !ok {
			continue
		}
		if image = strings.TrimSpace(image); image != "" {
			images[runtime] = image
		}
	}
	c.Docker.Images = images
	if c.Docker.PullTimeout == 0 {
		c.Docker.PullTimeout = 5 * time.Minute
	}
	if c.Docker.APITimeout == 0 {
		c.Docker.APITimeout = 30 * time.Second
	}
	if c.Docker.CleanupTimeout == 0 {
		c.Docker.CleanupTimeout = 10 * time.Second
	}

	if c.Local.Interpreter == "" {
		c.Local.Interpreter = "python3"
	}

	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	if c.Storage.Postgres.MaxConnections == 0 {
		c.Storage.Postgres.MaxConnections = 20
	}
	if c.Storage.Redis.CacheTTL == 0 {
		c.Storage.Redis.CacheTTL = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "runbox"
	}

	// 遥测服务名称默认为 runbox-gateway
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "runbox-gateway"
	}
	// OTLP 端点默认为 tempo:4317
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	// 采样率默认为 10%
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}

	// 指标记录默认保留 30 天
	if c.Retention.MaxAge == nil {
		age := 720 * time.Hour
		c.Retention.MaxAge = &age
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "0 0 3 * * *"
	}
}
