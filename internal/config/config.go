package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mono-simulator/pkg/protocol"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
	Monitor MonitorConfig `yaml:"monitor"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Concurrent     bool          `yaml:"concurrent"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
}

// RedisConfig 命令事件发布, 默认关闭
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Channel  string `yaml:"channel"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

// LoadConfig 加载配置文件, 未出现的字段沿用默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate 检查配置取值范围
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("无效端口: %d", c.Server.Port)
	}
	if c.Server.Concurrent && c.Server.MaxConnections <= 0 {
		return fmt.Errorf("并发模式下 max_connections 必须大于 0: %d", c.Server.MaxConnections)
	}
	if c.Server.IdleTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("超时不能为负数")
	}
	if c.Monitor.Enabled && (c.Monitor.MetricsPort <= 0 || c.Monitor.MetricsPort > 65535) {
		return fmt.Errorf("无效监控端口: %d", c.Monitor.MetricsPort)
	}
	if c.Redis.Enabled && c.Redis.Channel == "" {
		return fmt.Errorf("redis.channel 不能为空")
	}
	return nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           protocol.DefaultPort,
			Concurrent:     false,
			MaxConnections: 16,
			IdleTimeout:    0,
			WriteTimeout:   5 * time.Second,
			KeepAlive:      180 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 4,
			Channel:  "mono_simulator_events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:     false,
			MetricsPort: 9090,
		},
	}
}
