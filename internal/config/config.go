package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// DefaultPath 默认配置文件路径
const DefaultPath = "./configs/config.yaml"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Models   ModelsConfig   `mapstructure:"models"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 为空时分类接口不鉴权
}

type DatabaseConfig struct {
	Type       string `mapstructure:"type"` // mysql, sqlite
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"db_name"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DSN MySQL 连接串
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

type RabbitMQConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	VHost        string `mapstructure:"vhost"`
	ReportQueue  string `mapstructure:"report_queue"`  // 待分类的分析报告
	VerdictQueue string `mapstructure:"verdict_queue"` // 分类结果事件
}

// URL AMQP 连接地址
func (c *RabbitMQConfig) URL() string {
	vhost := strings.TrimPrefix(c.VHost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

// ModelsConfig 模型制品配置
type ModelsConfig struct {
	Dir                string   `mapstructure:"dir"`                 // 下设 opcode/ 与 permission/
	Version            string   `mapstructure:"version"`             // 为空时取清单中的 version
	ONNXRuntimeLib     string   `mapstructure:"onnxruntime_lib"`     // onnxruntime 动态库
	OpcodeVariants     []string `mapstructure:"opcode_variants"`     // 为空时加载全部
	PermissionVariants []string `mapstructure:"permission_variants"` // 为空时加载全部
	Parallelism        int      `mapstructure:"parallelism"`         // 单请求内并行估计器数，0 不限制
}

// CacheConfig 分类结果缓存（pebble）
type CacheConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Path        string `mapstructure:"path"`
	CacheSizeMB int64  `mapstructure:"cache_size_mb"`
}

// WatcherConfig 报告目录监听
type WatcherConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ReportDir string `mapstructure:"report_dir"`
	Pattern   string `mapstructure:"pattern"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// setDefaults 配置缺省值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sqlite_path", "./data/verdicts.db")

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.report_queue", "apk_reports")
	v.SetDefault("rabbitmq.verdict_queue", "apk_verdicts")

	v.SetDefault("models.dir", "./models")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.path", "./data/verdict-cache")
	v.SetDefault("cache.cache_size_mb", 64)

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.report_dir", "./reports")
	v.SetDefault("watcher.pattern", "*.json")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load 读取 YAML 配置，环境变量覆盖
// path 为空时使用 DefaultPath，文件不存在时只用缺省值与环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 绑定环境变量到嵌套配置路径
	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// Models
	v.BindEnv("models.dir", "MODELS_DIR")
	v.BindEnv("models.onnxruntime_lib", "ONNXRUNTIME_SHARED_LIBRARY_PATH")

	// Server
	v.BindEnv("server.api_token", "API_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || isNotExist(err)) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.Database.Type {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("invalid database.type %q", c.Database.Type)
	}
	if c.Models.Dir == "" {
		return errors.New("models.dir is required")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("invalid worker.concurrency %d", c.Worker.Concurrency)
	}
	if c.Worker.QueueSize < 0 {
		return fmt.Errorf("invalid worker.queue_size %d", c.Worker.QueueSize)
	}
	if c.Models.Parallelism < 0 {
		return fmt.Errorf("invalid models.parallelism %d", c.Models.Parallelism)
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
