package log

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	// Level 日志级别 debug/info/warn/error, 默认 info
	Level string `mapstructure:"level"`
	// Format json 或 console
	Format string `mapstructure:"format"`
	// Filename 为空时输出到 stdout, 否则写入文件并由 lumberjack 负责滚动
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	mu     sync.RWMutex
	logger = newDefault()
)

func newDefault() *zap.SugaredLogger {
	l, _ := New(Config{})
	return l.Sugar()
}

// New 根据配置构造 zap.Logger
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil || cfg.Level == "" {
		level.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writer zapcore.WriteSyncer
	switch strings.ToLower(cfg.Filename) {
	case "", "stdout":
		writer = zapcore.AddSync(os.Stdout)
	case "stderr":
		writer = zapcore.AddSync(os.Stderr)
	default:
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	core := zapcore.NewCore(encoder, writer, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).With(zap.String("service", "goxa")), nil
}

// Init 用配置替换全局 logger
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// SetLogger 替换全局 logger, 测试中配合 zaptest/observer 使用
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l.Sugar()
}

// Sync 刷新缓冲
func Sync() error {
	return get().Sync()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

type fieldsKey struct{}

// WithFields 在 ctx 上附加结构化字段, 之后的 *Contextf 调用都会带上这些字段
func WithFields(ctx context.Context, kv ...interface{}) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(fieldsKey{}).([]interface{})
	fields := make([]interface{}, 0, len(prev)+len(kv))
	fields = append(fields, prev...)
	fields = append(fields, kv...)
	return context.WithValue(ctx, fieldsKey{}, fields)
}

func withContext(ctx context.Context) *zap.SugaredLogger {
	l := get()
	if ctx == nil {
		return l
	}
	if fields, ok := ctx.Value(fieldsKey{}).([]interface{}); ok {
		return l.With(fields...)
	}
	return l
}

func Debugf(format string, v ...interface{}) {
	get().Debugf(format, v...)
}

func Infof(format string, v ...interface{}) {
	get().Infof(format, v...)
}

func Warnf(format string, v ...interface{}) {
	get().Warnf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	get().Errorf(format, v...)
}

func DebugContextf(ctx context.Context, format string, v ...interface{}) {
	withContext(ctx).Debugf(format, v...)
}

func InfoContextf(ctx context.Context, format string, v ...interface{}) {
	withContext(ctx).Infof(format, v...)
}

func WarnContextf(ctx context.Context, format string, v ...interface{}) {
	withContext(ctx).Warnf(format, v...)
}

func ErrorContextf(ctx context.Context, format string, v ...interface{}) {
	withContext(ctx).Errorf(format, v...)
}
