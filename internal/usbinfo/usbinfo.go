package usbinfo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// USB 位置信息解析。设备在 hub 上的位置值（hub value）是按 hub
// 控制继电器的寻址依据，从系统报告的两种位置串里解出：
//   location info:  形如 "0000.0014.0000.004.003.000"
//   location path:  形如 "PCIROOT(0)#PCI(1400)#USBROOT(0)#USB(4)#USB(3)"

// ErrNoHubValue 位置串里解不出有效的 hub 值
var ErrNoHubValue = errors.New("usbinfo: no hub value in location string")

// HubFromLocationInfo 从点分位置串解出 hub 值：
// 跳过前三段与末段，剩余段中取最后一个非零值。
func HubFromLocationInfo(location string) (byte, error) {
	parts := strings.Split(strings.TrimSpace(location), ".")
	if len(parts) < 5 {
		return 0, fmt.Errorf("%w: %q", ErrNoHubValue, location)
	}
	var hub int
	for _, p := range parts[3 : len(parts)-1] {
		n, err := strconv.Atoi(p)
		if err != nil || n == 0 {
			continue
		}
		hub = n
	}
	if hub == 0 || hub > 0xFF {
		return 0, fmt.Errorf("%w: %q", ErrNoHubValue, location)
	}
	return byte(hub), nil
}

var usbSegment = regexp.MustCompile(`USB\((\d+)\)`)

// HubFromLocationPath 从位置路径解出 hub 值：取最后一个 USB(n) 段
func HubFromLocationPath(path string) (byte, error) {
	matches := usbSegment.FindAllStringSubmatch(path, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoHubValue, path)
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil || n == 0 || n > 0xFF {
		return 0, fmt.Errorf("%w: %q", ErrNoHubValue, path)
	}
	return byte(n), nil
}

// Source 按序列号提供系统侧的 USB 位置串，查不到返回错误
type Source interface {
	LocationInfo(ctx context.Context, serial string) (string, error)
	LocationPath(ctx context.Context, serial string) (string, error)
}

// Resolver 组合两种解析途径：info 优先，失败回退 path
type Resolver struct {
	src Source
}

// NewResolver 创建解析器
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// HubValue 解析设备的 hub 值
func (r *Resolver) HubValue(ctx context.Context, serial string) (byte, error) {
	if info, err := r.src.LocationInfo(ctx, serial); err == nil {
		if hub, err := HubFromLocationInfo(info); err == nil {
			return hub, nil
		}
	}
	path, err := r.src.LocationPath(ctx, serial)
	if err != nil {
		return 0, fmt.Errorf("usbinfo: lookup %q: %w", serial, err)
	}
	return HubFromLocationPath(path)
}

// IsValidDevice 设备当前是否在 USB 总线上可见
func (r *Resolver) IsValidDevice(ctx context.Context, serial string) bool {
	if info, err := r.src.LocationInfo(ctx, serial); err == nil && info != "" {
		return true
	}
	path, err := r.src.LocationPath(ctx, serial)
	return err == nil && path != ""
}
