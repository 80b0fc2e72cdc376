package shloop

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/Senhnn/shloop/tools/logger"
	"github.com/Senhnn/shloop/tools/task_queue"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// poll的兜底超时。定时器和wakeup都会提前唤醒，这个值不敏感
const defaultPollTimeoutMs = 10 * 1000

// 一个线程最多一个EventLoop。Go没有thread local，
// 用tid到loop的全局表配短临界区的锁达到同样效果
var (
	loopRegistryMu sync.Mutex
	loopRegistry   = make(map[int]*EventLoop)
)

// 用于给eventFd唤醒
var eventFdNtfData = [8]byte{0, 0, 0, 0, 0, 0, 0, 1}

// EventLoop 单线程reactor：poll -> 分发就绪Channel -> 执行跨线程任务，
// 循环往复直到Quit。
//
// NewEventLoop必须在将要运行Loop的goroutine里调用，构造时锁定OS线程
// 并记住线程id，之后所有Channel注册变更、定时器操作、事件分发都发生
// 在这个线程上。其它线程想让loop干活，只能走RunInLoop/QueueInLoop。
//
// 所有回调都要求不阻塞、尽快返回，阻塞逻辑用tools/gopool丢出去。
// 这是约定不是强制，阻塞的回调会饿死整个loop。
type EventLoop struct {
	threadID int // 所属OS线程，构造时定死

	poller     poller
	timerQueue *TimerQueue

	wakeupFd      int
	wakeupChannel *Channel
	wakeUpCall    atomic.Int32 // 0：未唤醒，1：已经写过wakeupFd

	activeChannels       []*Channel
	currentActiveChannel *Channel

	pendingTasks        task_queue.AsyncTaskQueue
	callingPendingTasks bool // 只在loop线程读写

	looping       bool
	eventHandling bool
	quit          atomic.Bool
	closed        bool

	iteration      uint64
	pollReturnTime time.Time
}

// NewEventLoop 创建事件循环并绑定当前OS线程。
// 同一个线程第二次构造直接panic。
func NewEventLoop() *EventLoop {
	runtime.LockOSThread()
	tid := unix.Gettid()

	loopRegistryMu.Lock()
	if other, ok := loopRegistry[tid]; ok {
		loopRegistryMu.Unlock()
		panic(fmt.Sprintf("shloop: another EventLoop %p exists in thread %d", other, tid))
	}
	el := &EventLoop{
		threadID:     tid,
		pendingTasks: task_queue.NewTaskQueue(),
	}
	loopRegistry[tid] = el
	loopRegistryMu.Unlock()

	el.poller = newDefaultPoller(el)

	// wakeup和timer的描述符最先注册、最后摘除
	wakeupFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		el.unregister()
		_ = el.poller.close()
		logger.Error("eventfd error:", err)
		panic(os.NewSyscallError("eventfd", err))
	}
	el.wakeupFd = wakeupFd
	el.wakeupChannel = NewChannel(el, wakeupFd)
	el.wakeupChannel.SetReadCallback(el.handleWakeupRead)
	el.wakeupChannel.EnableReading()

	el.timerQueue = el.newTimerQueueOrRelease()

	return el
}

// Loop 运行事件循环直到Quit，必须在构造它的线程调用，不可重入
func (el *EventLoop) Loop() {
	if el.looping {
		panic("shloop: Loop() is not reentrant")
	}
	el.AssertInLoopThread()
	el.looping = true
	el.quit.Store(false)
	logger.DebugF("EventLoop %p start looping", el)

	for !el.quit.Load() {
		el.activeChannels = el.activeChannels[:0]
		el.pollReturnTime = el.poller.poll(defaultPollTimeoutMs, &el.activeChannels)
		el.iteration++

		// 按poller返回的顺序分发，没有优先级
		el.eventHandling = true
		for _, ch := range el.activeChannels {
			el.currentActiveChannel = ch
			ch.HandleEvent(el.pollReturnTime)
		}
		el.currentActiveChannel = nil
		el.eventHandling = false

		el.doPendingTasks()
	}

	logger.DebugF("EventLoop %p stop looping", el)
	el.looping = false
}

// Quit 线程安全。从别的线程调用时会写wakeupFd，
// 让正在poll的loop立刻看到退出标志。
func (el *EventLoop) Quit() {
	el.quit.Store(true)
	if !el.IsInLoopThread() {
		el.wakeup()
	}
}

// RunInLoop 在loop线程执行任务。调用方就是loop线程且当前不在
// drain阶段时同步执行，否则入队。
func (el *EventLoop) RunInLoop(f func()) {
	if el.IsInLoopThread() && !el.callingPendingTasks {
		f()
	} else {
		el.QueueInLoop(f)
	}
}

// QueueInLoop 把任务排到loop线程，在本轮drain或者下一轮执行。
// 跨线程调用和drain期间的调用需要写wakeupFd，
// 保证下一次poll很快返回。
func (el *EventLoop) QueueInLoop(f func()) {
	t := task_queue.GetTask()
	t.Run, t.Arg = runQueuedTask, f
	el.pendingTasks.Enqueue(t)

	if !el.IsInLoopThread() || el.callingPendingTasks {
		el.wakeup()
	}
}

func runQueuedTask(arg interface{}) error {
	arg.(func())()
	return nil
}

// RunAt 在指定时刻执行一次回调，线程安全
func (el *EventLoop) RunAt(when time.Time, cb func()) TimerId {
	return el.timerQueue.AddTimer(cb, when, 0)
}

// RunAfter 延迟delay后执行一次回调，线程安全
func (el *EventLoop) RunAfter(delay time.Duration, cb func()) TimerId {
	return el.RunAt(time.Now().Add(delay), cb)
}

// RunEvery 每隔interval执行一次回调，线程安全
func (el *EventLoop) RunEvery(interval time.Duration, cb func()) TimerId {
	return el.timerQueue.AddTimer(cb, time.Now().Add(interval), interval)
}

// Cancel 取消定时器，线程安全。回调已经开始的会跑完
func (el *EventLoop) Cancel(timerId TimerId) {
	el.timerQueue.Cancel(timerId)
}

// UpdateChannel 注册或者变更Channel的事件关注，只能在loop线程调用
func (el *EventLoop) UpdateChannel(c *Channel) {
	if c.OwnerLoop() != el {
		panic(fmt.Sprintf("shloop: update channel fd=%d of another loop", c.Fd()))
	}
	el.AssertInLoopThread()
	el.poller.updateChannel(c)
}

// RemoveChannel 注销Channel。分发过程中只允许摘掉正在分发的channel
// 或者不在本轮就绪列表里的channel。
func (el *EventLoop) RemoveChannel(c *Channel) {
	if c.OwnerLoop() != el {
		panic(fmt.Sprintf("shloop: remove channel fd=%d of another loop", c.Fd()))
	}
	el.AssertInLoopThread()
	if el.eventHandling {
		if c != el.currentActiveChannel && el.inActiveChannels(c) {
			panic(fmt.Sprintf("shloop: remove channel fd=%d still pending dispatch", c.Fd()))
		}
	}
	el.poller.removeChannel(c)
}

// HasChannel Channel是否注册在本loop，只能在loop线程调用
func (el *EventLoop) HasChannel(c *Channel) bool {
	if c.OwnerLoop() != el {
		panic(fmt.Sprintf("shloop: query channel fd=%d of another loop", c.Fd()))
	}
	el.AssertInLoopThread()
	return el.poller.hasChannel(c)
}

func (el *EventLoop) inActiveChannels(c *Channel) bool {
	for _, ch := range el.activeChannels {
		if ch == c {
			return true
		}
	}
	return false
}

// IsInLoopThread 当前线程是否是loop的所属线程
func (el *EventLoop) IsInLoopThread() bool {
	return unix.Gettid() == el.threadID
}

// AssertInLoopThread 不在所属线程直接panic
func (el *EventLoop) AssertInLoopThread() {
	if !el.IsInLoopThread() {
		panic(fmt.Sprintf("shloop: EventLoop %p was created in thread %d, current thread is %d",
			el, el.threadID, unix.Gettid()))
	}
}

// Iteration 已经完成的poll轮数
func (el *EventLoop) Iteration() uint64 { return el.iteration }

// PollReturnTime 最近一次poll返回的时间戳
func (el *EventLoop) PollReturnTime() time.Time { return el.pollReturnTime }

// 写8字节到eventFd唤醒正在poll的loop，CAS去重避免重复写
func (el *EventLoop) wakeup() {
	if el.wakeUpCall.CAS(0, 1) {
		if _, err := unix.Write(el.wakeupFd, eventFdNtfData[:]); err != nil && err != unix.EAGAIN {
			logger.Error(os.NewSyscallError("write eventfd", err))
		}
	}
}

func (el *EventLoop) handleWakeupRead(time.Time) {
	var buf [8]byte
	if _, err := unix.Read(el.wakeupFd, buf[:]); err != nil && err != unix.EAGAIN {
		logger.Error(os.NewSyscallError("read eventfd", err))
	}
	el.wakeUpCall.Store(0)
}

// drain阶段：整体换出当前的任务列表，按入队顺序执行。
// drain期间入队的任务留在新列表里，到下一轮循环再执行，
// 不会让自我转发的任务饿死IO。
func (el *EventLoop) doPendingTasks() {
	el.callingPendingTasks = true
	tasks := el.pendingTasks.Detach()
	for _, t := range tasks {
		if err := t.Run(t.Arg); err != nil {
			logger.Error("pending task error:", err)
		}
		task_queue.PutTask(t)
	}
	el.callingPendingTasks = false
}

// Close 释放wakeup和timer的描述符，必须在loop停止之后、loop线程调用。
// 这两个channel最后摘除。
func (el *EventLoop) Close() {
	if el.closed {
		return
	}
	el.AssertInLoopThread()
	if el.looping {
		panic("shloop: Close() called on a running loop")
	}
	el.closed = true

	el.timerQueue.close()
	el.wakeupChannel.DisableAll()
	el.wakeupChannel.Remove()
	_ = unix.Close(el.wakeupFd)
	_ = el.poller.close()

	el.unregister()
	runtime.UnlockOSThread()
}

func (el *EventLoop) unregister() {
	loopRegistryMu.Lock()
	if loopRegistry[el.threadID] == el {
		delete(loopRegistry, el.threadID)
	}
	loopRegistryMu.Unlock()
}

// 创建timerQueue。timerfd创建失败会panic，panic前先放掉已经拿到的
// wakeup描述符、poller和线程登记，再把panic继续抛出去
func (el *EventLoop) newTimerQueueOrRelease() *TimerQueue {
	defer func() {
		if r := recover(); r != nil {
			el.wakeupChannel.DisableAll()
			el.wakeupChannel.Remove()
			_ = unix.Close(el.wakeupFd)
			_ = el.poller.close()
			el.unregister()
			panic(r)
		}
	}()
	return newTimerQueue(el)
}
