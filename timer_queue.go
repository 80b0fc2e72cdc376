package shloop

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/Senhnn/shloop/tools/logger"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// timerfd_settime的最小相对值。写0会把定时器关掉，
// 所以到期时间再近也至少armed 100微秒。原实现就是这个常数，原样保留。
const minTimerfdDuration = 100 * time.Microsecond

// timerHeap 按(到期时间, 句柄)排序的最小堆，到期时间相同的按句柄排
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// TimerQueue 定时器集合，由一个timerfd驱动。
// timerfd以普通Channel的身份注册在loop上，始终armed到最早的到期时间。
// 两个索引都包含全部活跃定时器：timers按到期时间排，activeTimers按句柄查，
// 任何稳定观察点两者数量一致。
// 成员函数（AddTimer和Cancel除外）只允许在loop线程调用。
type TimerQueue struct {
	loop           *EventLoop
	timerfd        int
	timerfdChannel *Channel

	timers       timerHeap         // byExpiry
	activeTimers map[uint64]*Timer // byIdentity，key是句柄

	callingExpiredTimers bool
	// 到期回调执行期间被取消的定时器，key句柄value序号，
	// 重复定时器靠它在reset阶段不再续期
	cancelingTimers map[uint64]uint64

	nextTimerId atomic.Uint64
}

func newTimerQueue(loop *EventLoop) *TimerQueue {
	timerfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		logger.Error("timerfd_create error:", err)
		panic(os.NewSyscallError("timerfd_create", err))
	}

	tq := &TimerQueue{
		loop:            loop,
		timerfd:         timerfd,
		timerfdChannel:  NewChannel(loop, timerfd),
		activeTimers:    make(map[uint64]*Timer),
		cancelingTimers: make(map[uint64]uint64),
	}
	tq.timerfdChannel.SetReadCallback(tq.handleRead)
	// timerfd一直保持读关注，到期与否用timerfd_settime控制
	tq.timerfdChannel.EnableReading()
	return tq
}

// AddTimer 线程安全，可以从任意线程调用，注册动作会被排到loop线程执行。
// 回调在loop线程运行。
func (tq *TimerQueue) AddTimer(cb func(), when time.Time, interval time.Duration) TimerId {
	t := newTimer(tq.nextTimerId.Inc(), cb, when, interval)
	tq.loop.RunInLoop(func() {
		tq.addTimerInLoop(t)
	})
	return TimerId{id: t.id, sequence: t.sequence}
}

// Cancel 线程安全。取消未知或者已经走完的TimerId是no-op。
func (tq *TimerQueue) Cancel(timerId TimerId) {
	tq.loop.RunInLoop(func() {
		tq.cancelInLoop(timerId)
	})
}

func (tq *TimerQueue) addTimerInLoop(t *Timer) {
	tq.loop.AssertInLoopThread()
	earliestChanged := tq.insert(t)
	if earliestChanged {
		tq.resetTimerfd(t.expiration())
	}
}

func (tq *TimerQueue) cancelInLoop(timerId TimerId) {
	tq.loop.AssertInLoopThread()
	tq.assertCardinality()

	if t, ok := tq.activeTimers[timerId.id]; ok && t.sequence == timerId.sequence {
		heap.Remove(&tq.timers, t.heapIndex)
		delete(tq.activeTimers, timerId.id)
	} else if tq.callingExpiredTimers {
		// 本轮drain已经把它摘出去了但回调还没跑完，
		// 记下来让reset阶段丢掉它
		tq.cancelingTimers[timerId.id] = timerId.sequence
	}
	tq.assertCardinality()
}

// timerfd到期的读回调，drain全部已到期的定时器
func (tq *TimerQueue) handleRead(time.Time) {
	tq.loop.AssertInLoopThread()
	now := time.Now()
	readTimerfd(tq.timerfd, now)

	expired := tq.getExpired(now)

	tq.callingExpiredTimers = true
	tq.cancelingTimers = make(map[uint64]uint64)
	// 按到期顺序执行，回调里加减定时器都是安全的
	for _, t := range expired {
		t.run()
	}
	tq.callingExpiredTimers = false

	tq.reset(expired, now)
}

// getExpired 把到期时间不晚于now的定时器全部摘出来，两个索引同步删
func (tq *TimerQueue) getExpired(now time.Time) []*Timer {
	tq.assertCardinality()
	var expired []*Timer
	for len(tq.timers) > 0 && !tq.timers[0].when.After(now) {
		t := heap.Pop(&tq.timers).(*Timer)
		if _, ok := tq.activeTimers[t.id]; !ok {
			panic(fmt.Sprintf("shloop: expired timer id=%d missing from identity index", t.id))
		}
		delete(tq.activeTimers, t.id)
		expired = append(expired, t)
	}
	tq.assertCardinality()
	return expired
}

// reset 重复且没被取消的定时器续期重插，其余释放；最后重新arm timerfd
func (tq *TimerQueue) reset(expired []*Timer, now time.Time) {
	for _, t := range expired {
		if seq, canceled := tq.cancelingTimers[t.id]; t.repeating() && (!canceled || seq != t.sequence) {
			t.restart(now)
			tq.insert(t)
		}
	}

	if len(tq.timers) > 0 {
		tq.resetTimerfd(tq.timers[0].expiration())
	}
}

// insert 返回最早到期时间是否被改变（需要重新arm timerfd）
func (tq *TimerQueue) insert(t *Timer) bool {
	tq.loop.AssertInLoopThread()
	tq.assertCardinality()

	earliestChanged := len(tq.timers) == 0 || t.when.Before(tq.timers[0].when)
	heap.Push(&tq.timers, t)
	if _, ok := tq.activeTimers[t.id]; ok {
		panic(fmt.Sprintf("shloop: duplicate timer id=%d", t.id))
	}
	tq.activeTimers[t.id] = t

	tq.assertCardinality()
	return earliestChanged
}

func (tq *TimerQueue) assertCardinality() {
	if len(tq.timers) != len(tq.activeTimers) {
		panic(fmt.Sprintf("shloop: timer index mismatch, byExpiry=%d byIdentity=%d",
			len(tq.timers), len(tq.activeTimers)))
	}
}

// numTimers 当前活跃定时器数量，测试用
func (tq *TimerQueue) numTimers() int {
	tq.assertCardinality()
	return len(tq.timers)
}

func (tq *TimerQueue) resetTimerfd(expiration time.Time) {
	newValue := unix.ItimerSpec{
		Value: unix.NsecToTimespec(timerfdFromNow(expiration).Nanoseconds()),
	}
	if err := unix.TimerfdSettime(tq.timerfd, 0, &newValue, nil); err != nil {
		logger.Error(os.NewSyscallError("timerfd_settime", err))
	}
}

// timerfdFromNow 算出距离到期的相对时长，下限100微秒
func timerfdFromNow(when time.Time) time.Duration {
	d := time.Until(when)
	if d < minTimerfdDuration {
		d = minTimerfdDuration
	}
	return d
}

// 读出timerfd的触发次数并丢弃，多触发无所谓。
// 短读（信号把read打断）只记日志不重试，跟原实现保持一致。
func readTimerfd(timerfd int, now time.Time) {
	var buf [8]byte
	n, err := unix.Read(timerfd, buf[:])
	if err != nil {
		logger.Error(os.NewSyscallError("read timerfd", err))
		return
	}
	howmany := binary.LittleEndian.Uint64(buf[:])
	logger.TraceF("TimerQueue handleRead %d at %v", howmany, now)
	if n != 8 {
		logger.ErrorF("TimerQueue handleRead reads %d bytes instead of 8", n)
	}
}

// close 注销timerfd的Channel并关闭描述符，只能在loop线程调用，
// 未执行的定时器直接丢弃
func (tq *TimerQueue) close() {
	tq.timerfdChannel.DisableAll()
	tq.timerfdChannel.Remove()
	_ = unix.Close(tq.timerfd)
	tq.timers = nil
	tq.activeTimers = nil
}
