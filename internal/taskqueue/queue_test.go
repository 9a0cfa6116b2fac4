package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyrie2014/UsbRelay/internal/protocol/relay"
)

// TestPopByPriority 乱序提交优先级 [2,0,1]，出队顺序必须为 [0,1,2]。
// 0 是合法的最高优先级，不允许被默认值顶替。
func TestPopByPriority(t *testing.T) {
	q := New()
	for _, p := range []int{2, 0, 1} {
		task := NewTask(relay.MsgGetPortStates, 0, 0, p)
		_, err := q.Submit(task)
		require.NoError(t, err)
	}

	ctx := context.Background()
	var got []int
	for i := 0; i < 3; i++ {
		task, err := q.Pop(ctx)
		require.NoError(t, err)
		got = append(got, task.Priority)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

// TestNewTaskPriority 显式 0 保持字面值，PriorityAuto 取消息类型默认值
func TestNewTaskPriority(t *testing.T) {
	assert.Equal(t, 0, NewTask(relay.MsgGetPortStates, 0, 0, 0).Priority)
	assert.Equal(t, KindPriority(relay.MsgGetPortStates),
		NewTask(relay.MsgGetPortStates, 0, 0, PriorityAuto).Priority)
	assert.Equal(t, PriorityEmergency,
		NewTask(relay.MsgDisconnectByHub, 0x0B, relay.StateOff, PriorityAuto).Priority)
}

// TestPopFIFOWithinPriority 同优先级按提交次序先进先出
func TestPopFIFOWithinPriority(t *testing.T) {
	q := New()
	for i := byte(1); i <= 5; i++ {
		_, err := q.Submit(NewTask(relay.MsgConnectByIndex, i, relay.StateOn, PriorityHigh))
		require.NoError(t, err)
	}

	for i := byte(1); i <= 5; i++ {
		task, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, task.Index)
	}
}

// TestPopBlocksUntilSubmit 空队列阻塞，提交后被唤醒
func TestPopBlocksUntilSubmit(t *testing.T) {
	q := New()
	popped := make(chan *Task, 1)
	go func() {
		task, err := q.Pop(context.Background())
		require.NoError(t, err)
		popped <- task
	}()

	select {
	case <-popped:
		t.Fatal("空队列不应出队")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.Submit(NewTask(relay.MsgGetPortStates, 0, 0, PriorityAuto))
	require.NoError(t, err)

	select {
	case task := <-popped:
		assert.Equal(t, relay.MsgGetPortStates, task.Kind)
	case <-time.After(time.Second):
		t.Fatal("提交后消费者未被唤醒")
	}
}

// TestCancelBeforeDequeue 出队前可取消，取消的任务被消费者跳过
func TestCancelBeforeDequeue(t *testing.T) {
	q := New()
	f1, err := q.Submit(NewTask(relay.MsgConnectByIndex, 1, relay.StateOn, PriorityHigh))
	require.NoError(t, err)
	f2, err := q.Submit(NewTask(relay.MsgConnectByIndex, 2, relay.StateOn, PriorityHigh))
	require.NoError(t, err)

	assert.True(t, f1.Cancel())
	res, err := f1.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, res.Err, ErrCancelled)

	task, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(2), task.Index)

	// 出队后不可再取消
	assert.False(t, f2.Cancel())
	task.Complete(Result{})
	_, err = f2.Wait(context.Background())
	assert.NoError(t, err)
}

// TestSubmitAfterClose 关闭后提交立即拒绝，残留任务以 ErrQueueClosed 完结
func TestSubmitAfterClose(t *testing.T) {
	q := New()
	f, err := q.Submit(NewTask(relay.MsgGetPortStates, 0, 0, PriorityAuto))
	require.NoError(t, err)

	q.Close()
	q.Close() // 幂等

	_, err = q.Submit(NewTask(relay.MsgGetPortStates, 0, 0, PriorityAuto))
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

// TestKindPriority 消息类型默认优先级：断电先于通电先于查询
func TestKindPriority(t *testing.T) {
	assert.Less(t, KindPriority(relay.MsgDisconnectByIndex), KindPriority(relay.MsgConnectByIndex))
	assert.Less(t, KindPriority(relay.MsgConnectByIndex), KindPriority(relay.MsgGetPortStates))
	assert.Equal(t, KindPriority(relay.MsgGetPortStates), KindPriority(relay.MsgSetPortState))
}

// TestCompleteOnce 重复 Complete 只有第一次生效
func TestCompleteOnce(t *testing.T) {
	q := New()
	f, err := q.Submit(NewTask(relay.MsgGetPortStates, 0, 0, PriorityAuto))
	require.NoError(t, err)
	task, err := q.Pop(context.Background())
	require.NoError(t, err)

	task.Complete(Result{States: []byte{1}})
	task.Complete(Result{Err: ErrQueueClosed})

	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, res.States)
}
