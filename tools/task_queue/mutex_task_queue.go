package task_queue

import (
	"sync"

	"github.com/eapache/queue"
)

// mutexTaskQueue 互斥锁保护的FIFO任务队列，底层用环形队列保存任务。
// Detach用整体换出底层队列的方式实现，持锁时间只有一次指针交换，
// 任务本身在锁外执行。
type mutexTaskQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func NewTaskQueue() AsyncTaskQueue {
	return &mutexTaskQueue{
		q: queue.New(),
	}
}

func (t *mutexTaskQueue) Enqueue(task *Task) {
	t.mu.Lock()
	t.q.Add(task)
	t.mu.Unlock()
}

func (t *mutexTaskQueue) Dequeue() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.q.Length() == 0 {
		return nil
	}
	return t.q.Remove().(*Task)
}

// Detach 换出当前队列中的所有任务，换出之后队列为空。
// 换出的任务列表只属于调用者，遍历时不需要加锁。
func (t *mutexTaskQueue) Detach() []*Task {
	t.mu.Lock()
	old := t.q
	t.q = queue.New()
	t.mu.Unlock()

	if old.Length() == 0 {
		return nil
	}
	tasks := make([]*Task, 0, old.Length())
	for old.Length() > 0 {
		tasks = append(tasks, old.Remove().(*Task))
	}
	return tasks
}

// IsEmpty 判断队列是否为空
func (t *mutexTaskQueue) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.q.Length() == 0
}

func (t *mutexTaskQueue) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.q.Length()
}
