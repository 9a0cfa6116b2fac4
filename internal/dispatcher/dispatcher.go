package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kyrie2014/UsbRelay/internal/metrics"
	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
	"github.com/kyrie2014/UsbRelay/internal/serialport"
	"github.com/kyrie2014/UsbRelay/internal/storage"
	"github.com/kyrie2014/UsbRelay/internal/taskqueue"
)

// Transactor 串口一问一答通道，生产实现为 *serialport.Channel
type Transactor interface {
	Transact(ctx context.Context, frame relay.Frame, timeout time.Duration) ([]byte, error)
}

// DefaultTimeout 单次串口往返的默认超时
const DefaultTimeout = 3 * time.Second

// Dispatcher 下行任务的唯一消费者：从队列取任务、编码、
// 走串口往返、解码并回填结果。串口硬件一次只处理一条命令，
// 单消费者循环即是这条纪律的实现。
type Dispatcher struct {
	queue    *taskqueue.Queue
	ch       Transactor
	bindings storage.BindingStore
	log      *zap.Logger
	m        *metrics.AppMetrics
	timeout  time.Duration
}

// Option 构造选项
type Option func(*Dispatcher)

// WithTimeout 设置串口往返超时
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.timeout = d }
}

// WithMetrics 挂接业务指标
func WithMetrics(m *metrics.AppMetrics) Option {
	return func(dp *Dispatcher) { dp.m = m }
}

// New 创建调度器。bindings 用于绑定命令的冲突检查与落库，不可为 nil。
func New(q *taskqueue.Queue, ch Transactor, bindings storage.BindingStore, log *zap.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		queue:    q,
		ch:       ch,
		bindings: bindings,
		log:      log,
		timeout:  DefaultTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Submit 入队一个任务并更新指标，结果经返回的 Future 获取
func (d *Dispatcher) Submit(t *taskqueue.Task) (*taskqueue.Future, error) {
	f, err := d.queue.Submit(t)
	if err != nil {
		return nil, err
	}
	if d.m != nil {
		d.m.TasksSubmitted.WithLabelValues(t.Kind.String()).Inc()
		d.m.QueueDepth.Set(float64(d.queue.Len()))
	}
	return f, nil
}

// Run 消费循环。单个任务失败只回填错误不退出；
// ctx 取消或队列关闭时返回。
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started")
	for {
		t, err := d.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, taskqueue.ErrQueueClosed) {
				d.log.Info("dispatcher stopped: queue closed")
				return nil
			}
			d.log.Info("dispatcher stopped", zap.Error(err))
			return err
		}
		if d.m != nil {
			d.m.QueueDepth.Set(float64(d.queue.Len()))
		}

		res := d.execute(ctx, t)
		t.Complete(res)

		if res.Err != nil {
			d.log.Warn("task failed",
				zap.String("kind", t.Kind.String()),
				zap.Uint8("index", t.Index),
				zap.Uint8("value", t.Value),
				zap.Error(res.Err))
			if d.m != nil {
				d.m.TasksCompleted.WithLabelValues("error").Inc()
			}
		} else {
			d.log.Debug("task done",
				zap.String("kind", t.Kind.String()),
				zap.Uint8("index", t.Index))
			if d.m != nil {
				d.m.TasksCompleted.WithLabelValues("ok").Inc()
			}
		}
	}
}

// execute 执行一个任务的完整生命周期
func (d *Dispatcher) execute(ctx context.Context, t *taskqueue.Task) taskqueue.Result {
	// 绑定命令先过冲突检查，占用冲突时不触碰硬件。
	// 端口写零即释放：绑定记录随之销毁，不留 hub 值为零的残行。
	if t.Kind == relay.MsgSetPortState {
		if t.Value == relay.StateOff {
			if t.Serial != "" {
				if err := d.bindings.Delete(ctx, t.Serial); err != nil {
					return taskqueue.Result{Err: err}
				}
			}
		} else {
			b := storage.Binding{Serial: t.Serial, HubValue: t.Value, PortIndex: t.Index}
			if err := d.bindings.Put(ctx, b, t.Force); err != nil {
				return taskqueue.Result{Err: err}
			}
		}
	}

	frame, err := relay.Encode(t.Kind, t.Index, t.Value)
	if err != nil {
		return taskqueue.Result{Err: err}
	}

	start := time.Now()
	raw, err := d.ch.Transact(ctx, frame, d.timeout)
	if d.m != nil {
		d.m.TransactSeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if d.m != nil {
			d.m.TransactErrors.WithLabelValues(t.Kind.String()).Inc()
		}
		return taskqueue.Result{Err: err}
	}

	parsed, err := relay.Decode(raw)
	if err != nil {
		if d.m != nil {
			d.m.TransactErrors.WithLabelValues(t.Kind.String()).Inc()
		}
		return taskqueue.Result{Err: err}
	}

	return taskqueue.Result{Frame: parsed, States: parsed.PortStates()}
}

// 编译期保证生产通道满足接口
var _ Transactor = (*serialport.Channel)(nil)
