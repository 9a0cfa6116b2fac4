package dispatcher

import (
	"context"

	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
	"github.com/kyrie2014/UsbRelay/internal/taskqueue"
)

// Facade 进程内的继电器控制门面：与网络客户端同一套方法，
// 但直接提交给本地调度器，供与服务端同进程的恢复控制器使用。
type Facade struct {
	d *Dispatcher
}

// NewFacade 创建门面
func NewFacade(d *Dispatcher) *Facade {
	return &Facade{d: d}
}

func (f *Facade) do(ctx context.Context, t *taskqueue.Task) (taskqueue.Result, error) {
	fut, err := f.d.Submit(t)
	if err != nil {
		return taskqueue.Result{}, err
	}
	return fut.Wait(ctx)
}

// Disconnect 按端口序号断电
func (f *Facade) Disconnect(ctx context.Context, index byte) error {
	_, err := f.do(ctx, taskqueue.NewTask(relay.MsgDisconnectByIndex, index, relay.StateOff, taskqueue.PriorityAuto))
	return err
}

// Connect 按端口序号通电
func (f *Facade) Connect(ctx context.Context, index byte) error {
	_, err := f.do(ctx, taskqueue.NewTask(relay.MsgConnectByIndex, index, relay.StateOn, taskqueue.PriorityAuto))
	return err
}

// DisconnectHub 按 hub 值断电
func (f *Facade) DisconnectHub(ctx context.Context, hub byte) error {
	_, err := f.do(ctx, taskqueue.NewTask(relay.MsgDisconnectByHub, hub, relay.StateOff, taskqueue.PriorityAuto))
	return err
}

// ConnectHub 按 hub 值通电
func (f *Facade) ConnectHub(ctx context.Context, hub byte) error {
	_, err := f.do(ctx, taskqueue.NewTask(relay.MsgConnectByHub, hub, relay.StateOn, taskqueue.PriorityAuto))
	return err
}

// GetPortStates 查询每端口状态
func (f *Facade) GetPortStates(ctx context.Context) ([]byte, error) {
	res, err := f.do(ctx, taskqueue.NewTask(relay.MsgGetPortStates, 0, 0, taskqueue.PriorityAuto))
	if err != nil {
		return nil, err
	}
	return res.States, nil
}

// BindPort 将设备绑定到端口
func (f *Facade) BindPort(ctx context.Context, serial string, port, hub byte, force bool) error {
	t := taskqueue.NewTask(relay.MsgSetPortState, port, hub, taskqueue.PriorityAuto)
	t.Serial = serial
	t.Force = force
	_, err := f.do(ctx, t)
	return err
}
