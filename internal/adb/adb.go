package adb

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Runner 执行外部命令，生产实现走 os/exec，测试注入假实现
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// execRunner 默认实现
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// 设备状态取值，与 adb get-state 输出一致
const (
	StateDevice  = "device"
	StateOffline = "offline"
	StateUnknown = "unknown"
)

// Bridge adb 命令包装
type Bridge struct {
	runner Runner
}

// New 创建 adb 包装。runner 为 nil 时使用 os/exec。
func New(runner Runner) *Bridge {
	if runner == nil {
		runner = execRunner{}
	}
	return &Bridge{runner: runner}
}

// State 返回指定设备的 adb 状态；设备不可见时返回 StateUnknown
func (b *Bridge) State(ctx context.Context, serial string) string {
	out, err := b.runner.Run(ctx, "adb", "-s", serial, "get-state")
	if err != nil {
		return StateUnknown
	}
	s := strings.TrimSpace(out)
	switch s {
	case StateDevice, StateOffline:
		return s
	}
	return StateUnknown
}

// IsConnected 设备处于可用的 device 状态
func (b *Bridge) IsConnected(ctx context.Context, serial string) bool {
	return b.State(ctx, serial) == StateDevice
}

// WaitForConnection 轮询等待设备上线，超时返回 false。
// poll 为 0 时按 1s 轮询。
func (b *Bridge) WaitForConnection(ctx context.Context, serial string, timeout, poll time.Duration) bool {
	if poll <= 0 {
		poll = time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		if b.IsConnected(ctx, serial) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(poll):
		}
	}
}

// RestartServer 重启 adb 服务端，处理设备 offline 卡死
func (b *Bridge) RestartServer(ctx context.Context) error {
	if _, err := b.runner.Run(ctx, "adb", "kill-server"); err != nil {
		return fmt.Errorf("adb kill-server: %w", err)
	}
	if _, err := b.runner.Run(ctx, "adb", "start-server"); err != nil {
		return fmt.Errorf("adb start-server: %w", err)
	}
	return nil
}

// Shell 在设备上执行 shell 命令并返回去除首尾空白的输出
func (b *Bridge) Shell(ctx context.Context, serial, cmd string) (string, error) {
	out, err := b.runner.Run(ctx, "adb", "-s", serial, "shell", cmd)
	if err != nil {
		return "", fmt.Errorf("adb shell %q: %w", cmd, err)
	}
	return strings.TrimSpace(out), nil
}

var devicePattern = regexp.MustCompile(`(?m)^(\S+)\s+device$`)

// Devices 返回当前处于 device 状态的序列号列表
func (b *Bridge) Devices(ctx context.Context) ([]string, error) {
	out, err := b.runner.Run(ctx, "adb", "devices")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	var serials []string
	for _, m := range devicePattern.FindAllStringSubmatch(out, -1) {
		serials = append(serials, m[1])
	}
	return serials, nil
}
