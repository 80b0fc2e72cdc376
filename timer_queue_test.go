package shloop

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func numActiveTimers(t *testing.T, el *EventLoop) int {
	t.Helper()
	ch := make(chan int, 1)
	el.RunInLoop(func() {
		ch <- el.timerQueue.numTimers()
	})
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timer queue query did not run")
		return -1
	}
}

// RunAfter(50ms)：在loop线程恰好触发一次，不早于50ms
func TestRunAfterFiresOnceOnLoopThread(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	var mu sync.Mutex
	var count int
	var tid int
	var firedAt time.Time

	start := time.Now()
	el.RunAfter(50*time.Millisecond, func() {
		mu.Lock()
		count++
		tid = unix.Gettid()
		firedAt = time.Now()
		mu.Unlock()
	})

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("timer fired %d times, want 1", count)
	}
	if tid != el.threadID {
		t.Errorf("timer fired in thread %d, want loop thread %d", tid, el.threadID)
	}
	if d := firedAt.Sub(start); d < 50*time.Millisecond {
		t.Errorf("timer fired after %v, before its expiration", d)
	} else if d > 200*time.Millisecond {
		t.Errorf("timer fired after %v, too late", d)
	}
	if n := numActiveTimers(t, el); n != 0 {
		t.Errorf("timer queue holds %d timers after one-shot fired, want 0", n)
	}
}

// RunEvery + 第三次回调里Cancel：正好三次，之后队列清空
func TestRunEveryCancelInCallback(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	var mu sync.Mutex
	var count int
	var id TimerId
	idReady := make(chan struct{})

	id = el.RunEvery(10*time.Millisecond, func() {
		<-idReady
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 3 {
			el.Cancel(id)
		}
	})
	close(idReady)

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	got := count
	mu.Unlock()
	if got != 3 {
		t.Fatalf("repeating timer fired %d times, want exactly 3", got)
	}
	if n := numActiveTimers(t, el); n != 0 {
		t.Errorf("timer queue holds %d timers after cancel, want 0", n)
	}
}

// 到期时间不同的定时器按到期顺序执行
func TestTimerOrdering(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	// 先把loop堵50ms，让两个定时器在同一次drain里一起到期
	el.RunAfter(10*time.Millisecond, func() {
		time.Sleep(50 * time.Millisecond)
	})
	el.RunAfter(30*time.Millisecond, func() { record("t30") })
	el.RunAfter(20*time.Millisecond, func() { record("t20") })

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "t20" || order[1] != "t30" {
		t.Fatalf("timers fired in order %v, want [t20 t30]", order)
	}
}

// 定时器不会早于到期时间触发
func TestTimerNoEarlyFire(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	const delay = 30 * time.Millisecond
	fired := make(chan time.Duration, 1)
	start := time.Now()
	el.RunAfter(delay, func() {
		fired <- time.Since(start)
	})

	select {
	case d := <-fired:
		if d < delay {
			t.Errorf("timer fired after %v, before its %v expiration", d, delay)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

// 取消未知或已经走完的TimerId是no-op
func TestCancelUnknownTimerIsNoop(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	el.Cancel(TimerId{id: 12345, sequence: 67890})

	done := make(chan struct{})
	id := el.RunAfter(10*time.Millisecond, func() {})
	el.RunAfter(50*time.Millisecond, func() { close(done) })
	<-done
	// 定时器已经走完，再取消两次都是no-op
	el.Cancel(id)
	el.Cancel(id)

	if n := numActiveTimers(t, el); n != 0 {
		t.Errorf("timer queue holds %d timers, want 0", n)
	}
}

// 一通add/cancel/expire之后两个索引数量始终一致
func TestTimerQueueCardinality(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	var ids []TimerId
	for i := 0; i < 10; i++ {
		ids = append(ids, el.RunAfter(time.Duration(i+1)*time.Hour, func() {}))
	}
	for i := 0; i < 10; i++ {
		el.RunAfter(time.Duration(i+1)*time.Millisecond, func() {})
	}
	// 取消一半长定时器
	for i := 0; i < 5; i++ {
		el.Cancel(ids[i])
	}

	time.Sleep(100 * time.Millisecond)

	// numTimers内部会校验 |byExpiry| == |byIdentity|
	if n := numActiveTimers(t, el); n != 5 {
		t.Errorf("timer queue holds %d timers, want the 5 uncanceled long timers", n)
	}
}

// 取消尚未触发的重复定时器
func TestCancelRepeatingTimerBeforeFire(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	var mu sync.Mutex
	var count int
	id := el.RunEvery(time.Hour, func() {
		mu.Lock()
		count++
		mu.Unlock()
	})
	el.Cancel(id)

	if n := numActiveTimers(t, el); n != 0 {
		t.Errorf("timer queue holds %d timers after cancel, want 0", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("canceled timer fired %d times", count)
	}
}

// 从一个回调里取消同一轮drain里还没跑的另一个定时器
func TestCancelSiblingInSameDrain(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	var mu sync.Mutex
	var fired []string
	var victim TimerId
	ready := make(chan struct{})

	// 堵住loop，让后面两个定时器挤进同一次drain
	el.RunAfter(10*time.Millisecond, func() {
		time.Sleep(50 * time.Millisecond)
	})
	el.RunAfter(20*time.Millisecond, func() {
		<-ready
		mu.Lock()
		fired = append(fired, "canceler")
		mu.Unlock()
		el.Cancel(victim)
	})
	// victim是重复定时器：本轮已经被摘出来，取消要阻止它续期
	victim = el.RunEvery(30*time.Millisecond, func() {
		mu.Lock()
		fired = append(fired, "victim")
		mu.Unlock()
	})
	close(ready)

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// victim本轮的回调还是会跑（已经开始的drain不打断），但不再续期
	if len(fired) > 2 {
		t.Fatalf("fired %v, repeating victim must not run again after cancel", fired)
	}
	if n := numActiveTimers(t, el); n != 0 {
		t.Errorf("timer queue holds %d timers, want 0", n)
	}
}
