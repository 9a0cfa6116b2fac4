package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kyrie2014/UsbRelay/internal/adb"
	"github.com/kyrie2014/UsbRelay/internal/client"
	cfgpkg "github.com/kyrie2014/UsbRelay/internal/config"
	"github.com/kyrie2014/UsbRelay/internal/recovery"
	"github.com/kyrie2014/UsbRelay/internal/storage"
	"github.com/kyrie2014/UsbRelay/internal/storage/memstore"
	"github.com/kyrie2014/UsbRelay/internal/usbinfo"
)

const usage = `用法: relayctl [-addr host:port] <命令> [参数]

命令:
  states                         查询每端口状态
  connect <port>                 端口通电
  disconnect <port>              端口断电
  connect-hub <hub>              按 hub 值通电
  disconnect-hub <hub>           按 hub 值断电
  bind <serial> <port> <hub>     绑定设备到端口（-force 强制覆盖）
  release <serial> <port>        释放端口（写零并销毁绑定）
  init <serial>                  逐口断电探测设备所在端口并绑定（-hub / -port / -force）
  recover <serial>               恢复设备 adb 连接（-hub / -port 指定寻址）
`

func main() {
	addr := flag.String("addr", "127.0.0.1:11222", "继电器服务地址")
	force := flag.Bool("force", false, "绑定/初始化命令：强制覆盖已占用端口")
	hub := flag.Uint("hub", 0, "初始化/恢复命令：设备的 USB hub 值")
	port := flag.Uint("port", 0, "初始化/恢复命令：设备绑定的端口序号")
	timeout := flag.Duration("timeout", 30*time.Second, "命令超时")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c, err := client.Dial(*addr, 5*time.Second)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "states":
		states, err := c.GetPortStates(ctx)
		if err != nil {
			fatal(err)
		}
		for i, v := range states {
			fmt.Printf("port %d: %02x\n", i+1, v)
		}

	case "connect":
		err = c.Connect(ctx, portArg(args))
	case "disconnect":
		err = c.Disconnect(ctx, portArg(args))
	case "connect-hub":
		err = c.ConnectHub(ctx, portArg(args))
	case "disconnect-hub":
		err = c.DisconnectHub(ctx, portArg(args))

	case "bind":
		if len(args) != 4 {
			flag.Usage()
			os.Exit(2)
		}
		err = c.BindPort(ctx, args[1], byteArg(args[2]), byteArg(args[3]), *force)

	case "release":
		if len(args) != 3 {
			flag.Usage()
			os.Exit(2)
		}
		err = c.BindPort(ctx, args[1], byteArg(args[2]), 0, true)

	case "init":
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = runInit(ctx, c, args[1], byte(*hub), byte(*port), *force, *timeout)

	case "recover":
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = runRecover(ctx, c, args[1], byte(*hub), byte(*port), *timeout)

	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fatal(err)
	}
	fmt.Println("OK")
}

// runInit 在本机执行初始化探测：逐口断电观察设备是否从 adb 消失，
// 找到端口后把 hub 值写进继电器并落绑定表（串口归服务端，adb 走本地）
func runInit(ctx context.Context, c *client.Client, serial string, hub, port byte, force bool, timeout time.Duration) error {
	cfg := cfgpkg.RecoveryConfig{AdbTimeout: timeout / 3}
	ini := recovery.NewInitializer(cfg, c, adb.New(nil), staticHub(hub), memstore.New(), zap.NewNop())

	bound, err := ini.BindDevice(ctx, serial, port, force)
	if err != nil {
		return err
	}
	fmt.Printf("serial %s bound to port %d\n", serial, bound)
	if hub == 0 {
		fmt.Println("提示: 未提供 -hub 值，绑定未写入继电器端口")
	}
	return nil
}

// staticHub 命令行给定的固定 hub 值
type staticHub byte

func (h staticHub) HubValue(context.Context, string) (byte, error) {
	if h == 0 {
		return 0, usbinfo.ErrNoHubValue
	}
	return byte(h), nil
}

func (h staticHub) IsValidDevice(context.Context, string) bool { return h != 0 }

// runRecover 在本机执行恢复流程：串口归服务端，adb 探测走本地
func runRecover(ctx context.Context, c *client.Client, serial string, hub, port byte, timeout time.Duration) error {
	bindings := memstore.New()
	if hub != 0 || port != 0 {
		if err := bindings.Put(ctx, storage.Binding{Serial: serial, HubValue: hub, PortIndex: port}, true); err != nil {
			return err
		}
	}

	cfg := cfgpkg.RecoveryConfig{AdbTimeout: timeout / 3}
	ctl := recovery.New(cfg, c, adb.New(nil), nil, bindings, zap.NewNop())

	rep, err := ctl.Recover(ctx, serial)
	if rep != nil {
		fmt.Printf("session %s: %s after %d attempt(s)\n", rep.SessionID, rep.Outcome, rep.Attempts)
	}
	return err
}

func portArg(args []string) byte {
	if len(args) != 2 {
		flag.Usage()
		os.Exit(2)
	}
	return byteArg(args[1])
}

func byteArg(s string) byte {
	var n uint
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n > 0xFF {
		fatal(fmt.Errorf("invalid numeric argument %q", s))
	}
	return byte(n)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
