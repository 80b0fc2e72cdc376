package shloop

import (
	"time"

	"go.uber.org/atomic"
)

// 全局定时器序号，单调递增，用来区分句柄复用
var timerSequence atomic.Uint64

// Timer 一次定时任务：到期时间、重复间隔和回调。
// Timer的存储归TimerQueue所有，外部只拿TimerId。
type Timer struct {
	id        uint64 // TimerQueue内的句柄
	sequence  uint64
	when      time.Time     // 到期时间（单调时钟）
	interval  time.Duration // 0表示一次性
	repeat    bool
	cb        func()
	heapIndex int
}

func newTimer(id uint64, cb func(), when time.Time, interval time.Duration) *Timer {
	return &Timer{
		id:       id,
		sequence: timerSequence.Inc(),
		when:     when,
		interval: interval,
		repeat:   interval > 0,
		cb:       cb,
	}
}

func (t *Timer) run() {
	t.cb()
}

func (t *Timer) expiration() time.Time { return t.when }
func (t *Timer) repeating() bool       { return t.repeat }

// restart 重复定时器往后推一个周期（以now为基准，不是上次到期时间）
func (t *Timer) restart(now time.Time) {
	if t.repeat {
		t.when = now.Add(t.interval)
	} else {
		t.when = time.Time{}
	}
}

// TimerId 定时器的取消凭证，(句柄, 序号)二元组。
// 序号用来防止句柄复用后取消到别人头上。
type TimerId struct {
	id       uint64
	sequence uint64
}
