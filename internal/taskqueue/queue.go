package taskqueue

import (
	"container/heap"
	"context"
	"sync"
)

// Queue 线程安全的稳定优先级队列：出队顺序 = 优先级升序，
// 同优先级按单调递增的入队序号先进先出，等优先级任务不会饿死。
// 排序语义对应下行队列的 ORDER BY priority, created_at。
type Queue struct {
	mu     sync.Mutex
	items  taskHeap
	seq    uint64
	closed bool
	// notify 容量 1，入队时非阻塞投递，唤醒单消费者
	notify chan struct{}
}

// New 创建空队列
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Submit 入队并返回完成句柄，除队列插入外不阻塞调用方。
// 队列已关闭时返回 ErrQueueClosed。
func (q *Queue) Submit(t *Task) (*Future, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.seq++
	t.seq = q.seq
	if t.done == nil {
		t.done = make(chan struct{})
	}
	heap.Push(&q.items, t)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return &Future{t: t}, nil
}

// Pop 阻塞取出最高优先级任务并标记为执行中，被取消的任务被跳过。
// 队列关闭且取空后返回 ErrQueueClosed。
func (q *Queue) Pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		for q.items.Len() > 0 {
			t := heap.Pop(&q.items).(*Task)
			if t.markRunning() {
				q.mu.Unlock()
				return t, nil
			}
			// 已取消，丢弃
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len 当前排队任务数（含已取消未清理的）
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close 拒绝后续提交，残留任务全部以 ErrQueueClosed 完结
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	rest := q.items
	q.items = nil
	q.mu.Unlock()

	for _, t := range rest {
		t.Complete(Result{Err: ErrQueueClosed})
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// taskHeap 实现 container/heap：优先级升序，序号升序打破平局
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
