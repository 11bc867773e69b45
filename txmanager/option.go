package txmanager

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/goxa/recoverylog"
	"github.com/xiaoxuxiansheng/goxa/syncs"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// DefaultFormatID 本实例生成的 xid 的 formatID, 即 "GOXA"
const DefaultFormatID int32 = 0x474f5841

// Options TX Manager 事务协调器中的一个字段, 保存一些配置信息
type Options struct {
	// 事务执行时长限制, 超时的 ACTIVE 事务被回滚
	Timeout time.Duration
	// 轮询重试任务间隔时长
	MonitorTick time.Duration
	// 同一层回调在 before 阶段追加新回调的最大轮数
	SyncDepthLimit int
	// 结果未知时的完成方向
	HeuristicDirection Direction
	// 第二阶段最多重试次数, <= 0 时一直重试
	RetryLimit int

	// 多个实例共用恢复日志存储时串行化轮询
	Locker Locker

	InstanceID xa.InstanceID
	FormatID   int32
	// 本次启动的序号, 写入 xid
	Epoch uint32

	// 事务日志与伙伴日志, 默认使用内存实现
	RecoveryLog recoverylog.Log
	PartnerLog  recoverylog.Log

	Logger *zap.Logger
	Meter  metric.Meter

	// 启动时就安装的上级伙伴, 恢复出来的下级事务等待它们完成
	InboundProviders []string
}

type Option func(*Options)

// WithTimeout 设置事务执行时长
func WithTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.Timeout = timeout
	}
}

// WithMonitorTick 设置轮询任务间隔时长
func WithMonitorTick(tick time.Duration) Option {
	if tick <= 0 {
		tick = 10 * time.Second
	}

	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func WithSyncDepthLimit(limit int) Option {
	return func(o *Options) {
		o.SyncDepthLimit = limit
	}
}

func WithHeuristicDirection(direction Direction) Option {
	return func(o *Options) {
		o.HeuristicDirection = direction
	}
}

func WithRetryLimit(limit int) Option {
	return func(o *Options) {
		o.RetryLimit = limit
	}
}

func WithLocker(locker Locker) Option {
	return func(o *Options) {
		o.Locker = locker
	}
}

func WithInstanceID(id xa.InstanceID) Option {
	return func(o *Options) {
		o.InstanceID = id
	}
}

func WithFormatID(formatID int32) Option {
	return func(o *Options) {
		o.FormatID = formatID
	}
}

func WithEpoch(epoch uint32) Option {
	return func(o *Options) {
		o.Epoch = epoch
	}
}

func WithRecoveryLog(rlog recoverylog.Log) Option {
	return func(o *Options) {
		o.RecoveryLog = rlog
	}
}

func WithPartnerLog(rlog recoverylog.Log) Option {
	return func(o *Options) {
		o.PartnerLog = rlog
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(o *Options) {
		o.Meter = meter
	}
}

func WithInboundProviders(providerIDs ...string) Option {
	return func(o *Options) {
		o.InboundProviders = append(o.InboundProviders, providerIDs...)
	}
}

// repair 没有设置的配置项赋默认值
func repair(o *Options) {
	// 轮询监控任务间隔时长为10s
	if o.MonitorTick <= 0 {
		o.MonitorTick = 10 * time.Second
	}

	// 事务执行时长为5s
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}

	if o.SyncDepthLimit <= 0 {
		o.SyncDepthLimit = syncs.DefaultDepthLimit
	}
	if o.HeuristicDirection == "" {
		o.HeuristicDirection = DirectionRollback
	}
	if o.InstanceID == (xa.InstanceID{}) {
		o.InstanceID = xa.NewInstanceID()
	}
	if o.FormatID == 0 {
		o.FormatID = DefaultFormatID
	}
	if o.RecoveryLog == nil {
		o.RecoveryLog = recoverylog.NewMemoryLog("tranlog")
	}
	if o.PartnerLog == nil {
		o.PartnerLog = recoverylog.NewMemoryLog("partnerlog")
	}
}
