package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBindingConflict 目标端口已绑定其他设备且未指定强制覆盖。
	// 报告给调用方，不产生任何状态变更。
	ErrBindingConflict = errors.New("storage: port bound to another device")

	// ErrNotFound 绑定记录不存在
	ErrNotFound = errors.New("storage: binding not found")
)

// Binding 设备与继电器端口的绑定关系：serial -> (hub值, 端口序号)。
// PortIndex 从 1 起，0 表示未绑定。
type Binding struct {
	Serial    string
	HubValue  byte
	PortIndex byte
}

// BindingStore 端口绑定表。实现自行保证读改写的一致性，
// 调度器与恢复控制器只通过本接口访问，不直接触存储。
type BindingStore interface {
	// Get 按序列号查询绑定，未绑定返回 ErrNotFound
	Get(ctx context.Context, serial string) (Binding, error)
	// Put 写入绑定。端口已被其他序列号占用且 force=false 时
	// 返回 ErrBindingConflict 且不改动任何记录。
	Put(ctx context.Context, b Binding, force bool) error
	// Delete 解除绑定，幂等
	Delete(ctx context.Context, serial string) error
	// List 返回全部绑定
	List(ctx context.Context) ([]Binding, error)
}

// Outcome 恢复会话结果
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// StatsSink 恢复统计落库接口
type StatsSink interface {
	RecordRecovery(ctx context.Context, serial string, outcome Outcome, attempts int, at time.Time) error
}
