package taskqueue

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
)

var (
	// ErrQueueClosed 队列关闭后提交/等待的任务以此拒绝
	ErrQueueClosed = errors.New("taskqueue: queue closed")

	// ErrCancelled 任务在出队前被取消
	ErrCancelled = errors.New("taskqueue: task cancelled")
)

// 任务状态迁移：pending -> running -> done，或 pending -> cancelled。
// 出队后（running）不可取消：硬件往返对调用方是原子的。
const (
	statePending int32 = iota
	stateRunning
	stateCancelled
	stateDone
)

// Result 任务执行结果，由调度器填充
type Result struct {
	// Frame 解码后的硬件响应；Err 非空时为 nil
	Frame *relay.ParsedFrame
	// States 查询命令的每端口绑定值，其余命令为 nil
	States []byte
	// Err 传输层或绑定层错误（ErrTimeout / ErrFrameCorrupt / ErrBindingConflict 等）
	Err error
}

// Task 一次继电器操作请求。
// 由请求侧创建，入队后归队列所有，出队后归调度器所有，
// 完成时结果经 Future 交还发起方。
type Task struct {
	Kind   relay.MessageKind
	Index  byte   // 端口序号或 hub 值，语义随 Kind
	Value  byte   // 通断状态或待绑定的 hub 值，语义随 Kind
	Force  bool   // 绑定命令：端口被其他设备占用时是否强制覆盖
	Serial string // 关联的设备序列号（绑定与日志用，可为空）

	// Priority 越小越先执行；同优先级按入队次序
	Priority int

	seq    uint64
	state  int32
	result Result
	done   chan struct{}
}

// NewTask 构造待提交任务。priority 为负（PriorityAuto）时取
// 消息类型的默认优先级；0 按字面意义是最高优先级。
func NewTask(kind relay.MessageKind, index, value byte, priority int) *Task {
	if priority < 0 {
		priority = KindPriority(kind)
	}
	return &Task{
		Kind:     kind,
		Index:    index,
		Value:    value,
		Priority: priority,
		done:     make(chan struct{}),
	}
}

// Complete 填充结果并唤醒等待方，仅第一次调用生效
func (t *Task) Complete(res Result) {
	if atomic.CompareAndSwapInt32(&t.state, stateRunning, stateDone) ||
		atomic.CompareAndSwapInt32(&t.state, statePending, stateDone) {
		t.result = res
		close(t.done)
	}
}

// markRunning 出队时调用；返回 false 表示任务已被取消
func (t *Task) markRunning() bool {
	return atomic.CompareAndSwapInt32(&t.state, statePending, stateRunning)
}

func (t *Task) cancel() bool {
	if atomic.CompareAndSwapInt32(&t.state, statePending, stateCancelled) {
		t.result = Result{Err: ErrCancelled}
		close(t.done)
		return true
	}
	return false
}

// Future 任务完成句柄，Submit 返回给发起方
type Future struct {
	t *Task
}

// Done 完成通知通道
func (f *Future) Done() <-chan struct{} { return f.t.done }

// Wait 阻塞等待结果；ctx 取消时提前返回但不取消任务本身
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.t.done:
		return f.t.result, f.t.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel 出队前取消任务；任务已在执行或已完成时返回 false。
// 取消成功的任务以 ErrCancelled 完结。
func (f *Future) Cancel() bool { return f.t.cancel() }
