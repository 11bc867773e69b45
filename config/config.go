// Package config 通过 viper 读取配置文件与 GOXA_ 前缀的环境变量.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/txmanager"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// EnvPrefix 环境变量前缀, 例如 GOXA_TXMANAGER_TIMEOUT
const EnvPrefix = "GOXA"

// StorageMemory / StorageMySQL 恢复日志的存储
const (
	StorageMemory = "memory"
	StorageMySQL  = "mysql"
)

type Config struct {
	Log       log.Config      `mapstructure:"log"`
	TXManager TXManagerConfig `mapstructure:"txmanager"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// TXManagerConfig 对应 txmanager.Options
type TXManagerConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	MonitorTick        time.Duration `mapstructure:"monitor_tick"`
	SyncDepthLimit     int           `mapstructure:"sync_depth_limit"`
	HeuristicDirection string        `mapstructure:"heuristic_direction"`
	RetryLimit         int           `mapstructure:"retry_limit"`
	// InstanceID 为空时每次启动随机生成, 恢复依赖固定的实例号
	InstanceID       string   `mapstructure:"instance_id"`
	FormatID         int32    `mapstructure:"format_id"`
	Epoch            uint32   `mapstructure:"epoch"`
	InboundProviders []string `mapstructure:"inbound_providers"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// 两份日志共用一张表, 以日志名区分
	TranLogName    string `mapstructure:"tranlog_name"`
	PartnerLogName string `mapstructure:"partnerlog_name"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Address 为空时不启用分布式锁
type RedisConfig struct {
	Network  string `mapstructure:"network"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	LockKey  string `mapstructure:"lock_key"`
}

// New 返回设置好默认值和环境变量绑定的 viper 实例
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("txmanager.timeout", 5*time.Second)
	v.SetDefault("txmanager.monitor_tick", 10*time.Second)
	v.SetDefault("txmanager.heuristic_direction", string(txmanager.DirectionRollback))
	v.SetDefault("txmanager.format_id", txmanager.DefaultFormatID)
	v.SetDefault("storage.driver", StorageMemory)
	v.SetDefault("storage.tranlog_name", "tranlog")
	v.SetDefault("storage.partnerlog_name", "partnerlog")
	v.SetDefault("redis.network", "tcp")
	v.SetDefault("redis.lock_key", txmanager.DefaultLockKey)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load path 为空时在当前目录和 /etc/goxa 下查找 goxa.yaml, 找不到时只使用默认值和环境变量
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("goxa")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/goxa")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
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

func (c *Config) Validate() error {
	switch txmanager.Direction(c.TXManager.HeuristicDirection) {
	case txmanager.DirectionRollback, txmanager.DirectionCommit, txmanager.DirectionManual:
	default:
		return fmt.Errorf("invalid heuristic_direction %q", c.TXManager.HeuristicDirection)
	}
	if c.TXManager.InstanceID != "" {
		if _, err := xa.ParseInstanceID(c.TXManager.InstanceID); err != nil {
			return fmt.Errorf("invalid instance_id: %w", err)
		}
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageMySQL:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn required for mysql")
		}
		if c.Storage.TranLogName == c.Storage.PartnerLogName {
			return errors.New("tranlog and partnerlog need different names")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// Options 不包含存储, 锁和日志, 由调用方按 Storage / Redis 构造
func (c *Config) Options() []txmanager.Option {
	t := c.TXManager
	opts := []txmanager.Option{
		txmanager.WithTimeout(t.Timeout),
		txmanager.WithMonitorTick(t.MonitorTick),
		txmanager.WithHeuristicDirection(txmanager.Direction(t.HeuristicDirection)),
		txmanager.WithRetryLimit(t.RetryLimit),
		txmanager.WithFormatID(t.FormatID),
		txmanager.WithEpoch(t.Epoch),
	}
	if t.SyncDepthLimit > 0 {
		opts = append(opts, txmanager.WithSyncDepthLimit(t.SyncDepthLimit))
	}
	if id, err := xa.ParseInstanceID(t.InstanceID); err == nil && t.InstanceID != "" {
		opts = append(opts, txmanager.WithInstanceID(id))
	}
	if len(t.InboundProviders) > 0 {
		opts = append(opts, txmanager.WithInboundProviders(t.InboundProviders...))
	}
	return opts
}
