package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 应用基础信息
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// ServerConfig 继电器 TCP 服务配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	// AcceptRate 每秒最多接受的新连接数，0 表示不限
	AcceptRate  float64 `mapstructure:"acceptRate"`
	AcceptBurst int     `mapstructure:"acceptBurst"`
}

// HTTPConfig 管理接口（gin）配置
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// SerialConfig 串口通道配置
type SerialConfig struct {
	// Match 端口描述匹配子串，按 USB 设备描述挑选继电器串口
	Match string `mapstructure:"match"`
	// Port 显式指定串口设备名，非空时跳过枚举
	Port     string        `mapstructure:"port"`
	BaudRate int           `mapstructure:"baudRate"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RecoveryConfig 恢复流程参数
type RecoveryConfig struct {
	// MaxAttempts 单次会话最多断电重连次数
	MaxAttempts int `mapstructure:"maxAttempts"`
	// SettleDelay 断电后等待时长
	SettleDelay time.Duration `mapstructure:"settleDelay"`
	// AdbTimeout 单次通电后等待 adb 上线的上限
	AdbTimeout time.Duration `mapstructure:"adbTimeout"`
	// PollInterval adb 状态轮询间隔
	PollInterval time.Duration `mapstructure:"pollInterval"`
}

// LumberjackConfig 日志滚动（lumberjack）配置
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig 日志级别与输出配置
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig Prometheus 指标暴露配置
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// DatabaseConfig MySQL 统计库配置，DSN 为空时统计功能落内存
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig Redis 绑定表配置，Addr 为空时绑定表落内存
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Config 顶层配置结构
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// Load 从 YAML/TOML/JSON 文件与环境变量加载配置。
// 若 path 为空，依次尝试环境变量 RELAY_CONFIG 与 configs/relayd.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("relayd")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	// 环境变量覆盖：前缀 RELAY_，点号替换为下划线
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 允许缺少配置文件，依赖默认值与环境变量
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "usb-relayd")
	v.SetDefault("app.env", "dev")

	v.SetDefault("server.addr", ":11222")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "10s")
	v.SetDefault("server.acceptRate", 50.0)
	v.SetDefault("server.acceptBurst", 100)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readTimeout", "5s")
	v.SetDefault("http.writeTimeout", "10s")

	v.SetDefault("serial.match", "Serial")
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baudRate", 9600)
	v.SetDefault("serial.timeout", "3s")

	v.SetDefault("recovery.maxAttempts", 3)
	v.SetDefault("recovery.settleDelay", "1s")
	v.SetDefault("recovery.adbTimeout", "90s")
	v.SetDefault("recovery.pollInterval", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.filename", "logs/usb-relayd.log")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
}
