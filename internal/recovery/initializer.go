package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/kyrie2014/UsbRelay/internal/config"
	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
	"github.com/kyrie2014/UsbRelay/internal/storage"
)

// ErrNoFreePort 所有继电器端口上都探不到目标设备
var ErrNoFreePort = errors.New("recovery: device not found on any relay port")

// Initializer 设备初始化控制器：逐个端口断电观察设备是否消失，
// 以此探出设备实际接在哪个继电器端口，并把绑定写入硬件与绑定表。
type Initializer struct {
	relay    RelayControl
	probe    ADBProbe
	usb      HubLookup
	bindings storage.BindingStore
	log      *zap.Logger
	cfg      cfgpkg.RecoveryConfig
}

// NewInitializer 创建初始化控制器
func NewInitializer(cfg cfgpkg.RecoveryConfig, relayCtl RelayControl, probe ADBProbe, usb HubLookup,
	bindings storage.BindingStore, log *zap.Logger) *Initializer {
	if log == nil {
		log = zap.NewNop()
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
	return &Initializer{
		relay:    relayCtl,
		probe:    probe,
		usb:      usb,
		bindings: bindings,
		log:      log,
		cfg:      cfg,
	}
}

// BindDevice 将设备绑定到继电器端口。port 为 0 时自动探测：
// 先试空闲端口，再试已占用端口。占用端口未加 force 时拒绝。
func (ini *Initializer) BindDevice(ctx context.Context, serial string, port byte, force bool) (byte, error) {
	log := ini.log.With(zap.String("serial", serial))

	states, err := ini.relay.GetPortStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("query port states: %w", err)
	}

	var hub byte
	if ini.usb != nil {
		hub, _ = ini.usb.HubValue(ctx, serial)
	}
	log.Info("binding device", zap.Uint8("hub", hub), zap.Uint8("port", port))

	// 设备的 hub 值已写在某端口上：确认后直接落表
	if hub != 0 {
		for i, v := range states {
			p := byte(i + 1)
			if v == hub && ini.testPort(ctx, serial, p) {
				return p, ini.commit(ctx, serial, p, hub, true)
			}
		}
	}

	if port != 0 {
		if int(port) <= len(states) && states[port-1] != 0 && !force {
			return 0, fmt.Errorf("port %d: %w", port, storage.ErrBindingConflict)
		}
		if !ini.testPort(ctx, serial, port) {
			return 0, fmt.Errorf("port %d: %w", port, ErrNoFreePort)
		}
		return port, ini.commit(ctx, serial, port, hub, force)
	}

	// 自动探测：空闲端口优先
	for pass := 0; pass < 2; pass++ {
		wantFree := pass == 0
		for i, v := range states {
			if (v == 0) != wantFree {
				continue
			}
			p := byte(i + 1)
			if ini.testPort(ctx, serial, p) {
				log.Info("device found on relay port", zap.Uint8("port", p))
				return p, ini.commit(ctx, serial, p, hub, !wantFree || force)
			}
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
	}

	log.Error("device not found on any relay port")
	return 0, ErrNoFreePort
}

// ReleaseDevice 解除设备绑定：端口写零并清绑定表，未绑定视为成功
func (ini *Initializer) ReleaseDevice(ctx context.Context, serial string) error {
	b, err := ini.bindings.Get(ctx, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if b.PortIndex != 0 {
		if err := ini.relay.BindPort(ctx, serial, b.PortIndex, relay.StateOff, true); err != nil {
			return fmt.Errorf("clear port %d: %w", b.PortIndex, err)
		}
	}
	if err := ini.bindings.Delete(ctx, serial); err != nil {
		return err
	}
	ini.log.Info("device released", zap.String("serial", serial), zap.Uint8("port", b.PortIndex))
	return nil
}

// testPort 验证设备是否接在指定端口：断电后设备应从 adb 消失，
// 通电后应重新上线。探测失败时恢复通电，不留残局。
func (ini *Initializer) testPort(ctx context.Context, serial string, port byte) bool {
	if err := ini.relay.Disconnect(ctx, port); err != nil {
		return false
	}

	select {
	case <-time.After(ini.cfg.SettleDelay):
	case <-ctx.Done():
		_ = ini.relay.Connect(ctx, port)
		return false
	}

	gone := !ini.deviceVisible(ctx, serial)
	if err := ini.relay.Connect(ctx, port); err != nil {
		return false
	}
	if !gone {
		// 断电没影响设备，不在这个端口
		return false
	}
	return ini.probe.WaitForConnection(ctx, serial, ini.cfg.AdbTimeout, ini.cfg.PollInterval)
}

func (ini *Initializer) deviceVisible(ctx context.Context, serial string) bool {
	serials, err := ini.probe.Devices(ctx)
	if err != nil {
		return false
	}
	for _, s := range serials {
		if s == serial {
			return true
		}
	}
	return false
}

// commit 把绑定写入硬件端口与绑定表。
// 硬件端口写零意味着释放，解析不到 hub 值时只落绑定表。
func (ini *Initializer) commit(ctx context.Context, serial string, port, hub byte, force bool) error {
	if hub == 0 {
		if err := ini.bindings.Put(ctx, storage.Binding{Serial: serial, PortIndex: port}, force); err != nil {
			return err
		}
	} else if err := ini.relay.BindPort(ctx, serial, port, hub, force); err != nil {
		return fmt.Errorf("bind port %d: %w", port, err)
	}
	ini.log.Info("device bound", zap.String("serial", serial),
		zap.Uint8("port", port), zap.Uint8("hub", hub))
	return nil
}
