package serialport

import (
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo 串口发现结果
type PortInfo struct {
	Name        string // 设备名，如 COM3 / /dev/ttyUSB0
	Description string // 枚举得到的产品描述
}

// ListPorts 枚举串口并按描述子串过滤（大小写不敏感），纯查询、无副作用。
// substr 为空时返回全部串口。描述为空的端口回退用设备名匹配。
func ListPorts(substr string) ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(substr)
	var out []PortInfo
	for _, d := range details {
		desc := d.Product
		if desc == "" {
			desc = d.Name
		}
		if needle != "" && !strings.Contains(strings.ToLower(desc), needle) {
			continue
		}
		out = append(out, PortInfo{Name: d.Name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
