package serialport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
)

var (
	// ErrNoPortFound 未发现匹配的串口设备。对 Open 致命，对进程不致命。
	ErrNoPortFound = errors.New("serialport: no matching serial port found")

	// ErrAlreadyOpen 同一物理串口只允许打开一个通道，重复打开属编程错误
	ErrAlreadyOpen = errors.New("serialport: port already open")

	// ErrTimeout 本次收发在限定时间内未收到完整响应帧，可重试，不关闭通道
	ErrTimeout = errors.New("serialport: transact timeout")

	// ErrClosed 通道已关闭，进行中的收发以此返回而非挂起
	ErrClosed = errors.New("serialport: channel closed")
)

// 串口参数，继电器板固定 9600 8N1
const (
	DefaultBaudRate = 9600
	readSlice       = 50 * time.Millisecond // 单次读超时切片，便于及时观察关闭与截止
)

// 进程内独占打开登记表
var (
	openMu    sync.Mutex
	openPorts = map[string]struct{}{}
)

// Config 通道打开参数
type Config struct {
	// Match 串口描述子串，取第一个匹配的设备
	Match string
	// Port 显式指定设备名（如 COM3、/dev/ttyUSB0），非空时跳过枚举
	Port string
	// BaudRate 为 0 时使用 DefaultBaudRate
	BaudRate int
}

// Channel 独占持有物理串口，保证一问一答的收发纪律。
// 继电器硬件为半双工：上一条响应未回之前不接受新命令，Transact 内部的
// 互斥锁是对硬件资源唯一的真正互斥点。
type Channel struct {
	name string
	port serial.Port
	log  *zap.Logger

	mu sync.Mutex // 收发互斥，严格串行化并发调用

	closeMu sync.Mutex
	closed  chan struct{}
}

// Open 打开继电器串口。cfg.Port 非空时直接打开指定设备，
// 否则枚举串口并取第一个描述含 cfg.Match 的设备。
// 无匹配返回 ErrNoPortFound；该设备已被本进程打开返回 ErrAlreadyOpen。
func Open(cfg Config, log *zap.Logger) (*Channel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	name := cfg.Port
	description := ""
	if name == "" {
		ports, err := ListPorts(cfg.Match)
		if err != nil {
			return nil, fmt.Errorf("enumerate serial ports: %w", err)
		}
		if len(ports) == 0 {
			return nil, fmt.Errorf("%w: match %q", ErrNoPortFound, cfg.Match)
		}
		name = ports[0].Name
		description = ports[0].Description
	}

	openMu.Lock()
	if _, dup := openPorts[name]; dup {
		openMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, name)
	}
	openPorts[name] = struct{}{}
	openMu.Unlock()

	baud := cfg.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		release(name)
		return nil, fmt.Errorf("open serial port %q: %w", name, err)
	}
	if err := port.SetReadTimeout(readSlice); err != nil {
		_ = port.Close()
		release(name)
		return nil, fmt.Errorf("set serial read timeout: %w", err)
	}

	log.Info("serial port opened",
		zap.String("port", name),
		zap.String("description", description),
		zap.Int("baud", baud))

	return &Channel{
		name:   name,
		port:   port,
		log:    log,
		closed: make(chan struct{}),
	}, nil
}

func release(name string) {
	openMu.Lock()
	delete(openPorts, name)
	openMu.Unlock()
}

// Name 返回底层串口设备名
func (c *Channel) Name() string { return c.name }

// Transact 写出一帧并阻塞读取完整响应帧，整个往返持锁，
// 并发调用被严格排队。超时返回 ErrTimeout，响应畸形返回
// relay.ErrFrameCorrupt，两者均不关闭通道，是否重试由调用方决定。
func (c *Channel) Transact(ctx context.Context, frame relay.Frame, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return nil, ErrClosed
	}
	deadline := time.Now().Add(timeout)

	c.log.Debug("serial tx", zap.String("frame", relay.ToHex(frame)))
	if _, err := c.port.Write(frame); err != nil {
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("serial write: %w", err)
	}

	resp, err := c.readFrame(ctx, deadline)
	if err != nil {
		return nil, err
	}
	c.log.Debug("serial rx", zap.String("frame", relay.ToHex(resp)))
	return resp, nil
}

// readFrame 从串口流中切出一帧：对齐包头、读长度字段、补齐余下字节，
// 最后整帧校验。串口读以短切片轮询，保证关闭与超时能及时生效。
func (c *Channel) readFrame(ctx context.Context, deadline time.Time) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 64)

	for {
		if f, ok, ferr := extractFrame(&buf); ok {
			return f, ferr
		}

		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}

		n, err := c.port.Read(chunk)
		if err != nil {
			if c.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("serial read: %w", err)
		}
		buf = append(buf, chunk[:n]...)
	}
}

// extractFrame 尝试从缓冲中取出一帧。ok=true 时 frame/err 二选一有效：
// 帧完整但校验失败时返回 relay.ErrFrameCorrupt。
func extractFrame(buf *[]byte) ([]byte, bool, error) {
	b := *buf
	// 对齐包头
	for len(b) > 0 && b[0] != relay.FrameHead {
		b = b[1:]
	}
	*buf = b
	if len(b) < 2 {
		return nil, false, nil
	}
	total := int(b[1])
	if total < relay.MinFrameLen {
		// 长度字段非法，丢弃包头字节后重新对齐
		*buf = b[1:]
		return nil, true, fmt.Errorf("%w: length field %d", relay.ErrFrameCorrupt, total)
	}
	if len(b) < total {
		return nil, false, nil
	}
	frame := make([]byte, total)
	copy(frame, b[:total])
	*buf = b[total:]
	if _, err := relay.Decode(frame); err != nil {
		return nil, true, err
	}
	return frame, true, nil
}

// Close 释放串口，幂等；进行中的 Transact 将观察到 ErrClosed
func (c *Channel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	select {
	case <-c.closed:
		return nil
	default:
	}
	close(c.closed)
	err := c.port.Close() // 解除阻塞中的读写
	release(c.name)
	c.log.Info("serial port closed", zap.String("port", c.name))
	return err
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
