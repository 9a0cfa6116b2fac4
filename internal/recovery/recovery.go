package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kyrie2014/UsbRelay/internal/adb"
	cfgpkg "github.com/kyrie2014/UsbRelay/internal/config"
	"github.com/kyrie2014/UsbRelay/internal/metrics"
	"github.com/kyrie2014/UsbRelay/internal/storage"
)

// ErrExhausted 断电重连次数用尽仍未恢复
var ErrExhausted = errors.New("recovery: attempts exhausted")

// ErrNoAddress 既解不出 hub 值也没有端口绑定，无法寻址设备
var ErrNoAddress = errors.New("recovery: no hub value or port binding for device")

// RelayControl 继电器控制能力，生产实现为 *client.Client
type RelayControl interface {
	Disconnect(ctx context.Context, index byte) error
	Connect(ctx context.Context, index byte) error
	DisconnectHub(ctx context.Context, hub byte) error
	ConnectHub(ctx context.Context, hub byte) error
	GetPortStates(ctx context.Context) ([]byte, error)
	BindPort(ctx context.Context, serial string, port, hub byte, force bool) error
}

// ADBProbe adb 探测能力，生产实现为 *adb.Bridge
type ADBProbe interface {
	State(ctx context.Context, serial string) string
	IsConnected(ctx context.Context, serial string) bool
	WaitForConnection(ctx context.Context, serial string, timeout, poll time.Duration) bool
	RestartServer(ctx context.Context) error
	Devices(ctx context.Context) ([]string, error)
}

// HubLookup USB 位置解析能力，生产实现为 *usbinfo.Resolver
type HubLookup interface {
	HubValue(ctx context.Context, serial string) (byte, error)
	IsValidDevice(ctx context.Context, serial string) bool
}

// State 恢复会话所处阶段
type State int

const (
	StateCheckCurrent State = iota // 检查设备当前 adb 状态
	StateDisconnecting             // 下发断电
	StateWaiting                   // 断电后静置
	StateReconnecting              // 下发通电
	StatePollingADB                // 轮询等待 adb 上线
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCheckCurrent:
		return "check_current"
	case StateDisconnecting:
		return "disconnecting"
	case StateWaiting:
		return "waiting"
	case StateReconnecting:
		return "reconnecting"
	case StatePollingADB:
		return "polling_adb"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Report 一次恢复会话的结果
type Report struct {
	SessionID string
	Serial    string
	Outcome   storage.Outcome
	// Attempts 实际执行的断电重连次数
	Attempts int
}

// Controller 设备恢复控制器：adb 掉线后通过继电器断电重连拉回设备。
// 控制器本身无状态，可对不同设备并发调用。
type Controller struct {
	relay    RelayControl
	probe    ADBProbe
	usb      HubLookup
	bindings storage.BindingStore
	stats    storage.StatsSink
	log      *zap.Logger
	m        *metrics.AppMetrics
	cfg      cfgpkg.RecoveryConfig
}

// Option 构造选项
type Option func(*Controller)

// WithMetrics 挂接业务指标
func WithMetrics(m *metrics.AppMetrics) Option {
	return func(c *Controller) { c.m = m }
}

// WithStats 挂接恢复统计落库
func WithStats(s storage.StatsSink) Option {
	return func(c *Controller) { c.stats = s }
}

// New 创建恢复控制器。usb 可为 nil（仅靠绑定表寻址）。
func New(cfg cfgpkg.RecoveryConfig, relay RelayControl, probe ADBProbe, usb HubLookup,
	bindings storage.BindingStore, log *zap.Logger, opts ...Option) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = time.Second
	}
	if cfg.AdbTimeout <= 0 {
		cfg.AdbTimeout = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	c := &Controller{
		relay:    relay,
		probe:    probe,
		usb:      usb,
		bindings: bindings,
		log:      log,
		cfg:      cfg,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// address 设备的继电器寻址方式：hub 值优先，回退到端口序号
type address struct {
	hub  byte
	port byte
}

func (a address) valid() bool { return a.hub != 0 || a.port != 0 }

// resolveAddress 先解 USB 位置，失败再查绑定表
func (c *Controller) resolveAddress(ctx context.Context, serial string) address {
	var addr address
	if c.usb != nil {
		if hub, err := c.usb.HubValue(ctx, serial); err == nil {
			addr.hub = hub
		}
	}
	if b, err := c.bindings.Get(ctx, serial); err == nil {
		if addr.hub == 0 {
			addr.hub = b.HubValue
		}
		addr.port = b.PortIndex
	}
	return addr
}

// powerCycle 断电、静置、通电
func (c *Controller) powerCycle(ctx context.Context, addr address) error {
	var err error
	if addr.hub != 0 {
		err = c.relay.DisconnectHub(ctx, addr.hub)
	} else {
		err = c.relay.Disconnect(ctx, addr.port)
	}
	if err != nil {
		return err
	}

	select {
	case <-time.After(c.cfg.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if addr.hub != 0 {
		return c.relay.ConnectHub(ctx, addr.hub)
	}
	return c.relay.Connect(ctx, addr.port)
}

// Recover 执行一次恢复会话。设备已在线时直接成功且不落统计；
// 其余情况统计按会话结果落一条。次数用尽返回 ErrExhausted。
func (c *Controller) Recover(ctx context.Context, serial string) (*Report, error) {
	rep := &Report{
		SessionID: uuid.New().String(),
		Serial:    serial,
	}
	log := c.log.With(zap.String("session", rep.SessionID), zap.String("serial", serial))

	log.Info("recovery session started", zap.String("state", StateCheckCurrent.String()))
	if c.probe.IsConnected(ctx, serial) {
		log.Info("device already connected, nothing to do")
		rep.Outcome = storage.OutcomeSuccess
		return rep, nil
	}

	addr := c.resolveAddress(ctx, serial)
	if !addr.valid() {
		log.Error("device not addressable")
		rep.Outcome = storage.OutcomeFailed
		c.finish(ctx, rep, log)
		return rep, ErrNoAddress
	}
	log.Info("device address resolved", zap.Uint8("hub", addr.hub), zap.Uint8("port", addr.port))

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		alog := log.With(zap.Int("attempt", attempt), zap.Int("max", c.cfg.MaxAttempts))

		// 设备可能在上一轮静置期间自己回来了
		state := c.probe.State(ctx, serial)
		if state == adb.StateDevice {
			alog.Info("device came back before power cycle")
			rep.Outcome = storage.OutcomeSuccess
			c.finish(ctx, rep, log)
			return rep, nil
		}
		if state == adb.StateOffline {
			// offline 多为 adb 服务端卡死
			alog.Warn("device offline, restarting adb server")
			if err := c.probe.RestartServer(ctx); err != nil {
				alog.Warn("adb server restart failed", zap.Error(err))
			}
		}

		rep.Attempts = attempt
		if c.m != nil {
			c.m.RecoveryAttempts.Inc()
		}

		alog.Info("power cycling device", zap.String("state", StateDisconnecting.String()))
		if err := c.powerCycle(ctx, addr); err != nil {
			if ctx.Err() != nil {
				rep.Outcome = storage.OutcomeFailed
				c.finish(ctx, rep, log)
				return rep, ctx.Err()
			}
			// 传输层失败算一次未遂，继续下一轮
			alog.Warn("power cycle failed", zap.Error(err))
			continue
		}

		alog.Info("waiting for adb", zap.String("state", StatePollingADB.String()),
			zap.Duration("timeout", c.cfg.AdbTimeout))
		if c.probe.WaitForConnection(ctx, serial, c.cfg.AdbTimeout, c.cfg.PollInterval) {
			alog.Info("adb connection restored")
			rep.Outcome = storage.OutcomeSuccess
			c.finish(ctx, rep, log)
			return rep, nil
		}
		if ctx.Err() != nil {
			rep.Outcome = storage.OutcomeFailed
			c.finish(ctx, rep, log)
			return rep, ctx.Err()
		}
	}

	log.Error("recovery failed, attempts exhausted")
	rep.Outcome = storage.OutcomeFailed
	c.finish(ctx, rep, log)
	return rep, ErrExhausted
}

// finish 会话收尾：指标与统计落库
func (c *Controller) finish(ctx context.Context, rep *Report, log *zap.Logger) {
	if c.m != nil {
		c.m.RecoverySessions.WithLabelValues(string(rep.Outcome)).Inc()
	}
	if c.stats != nil {
		if err := c.stats.RecordRecovery(ctx, rep.Serial, rep.Outcome, rep.Attempts, time.Now()); err != nil {
			log.Warn("recovery stats write failed", zap.Error(err))
		}
	}
}
