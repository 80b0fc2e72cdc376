package shloop

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// 在独立goroutine里起一个loop，返回loop和停止函数
func startTestLoop(t *testing.T) (*EventLoop, func()) {
	t.Helper()
	ch := make(chan *EventLoop, 1)
	done := make(chan struct{})
	go func() {
		el := NewEventLoop()
		ch <- el
		el.Loop()
		el.Close()
		close(done)
	}()
	el := <-ch
	return el, func() {
		el.Quit()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("loop did not quit in time")
		}
	}
}

func TestOneLoopPerThread(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		el := NewEventLoop()
		defer el.Close()
		defer func() {
			if recover() == nil {
				t.Error("second EventLoop on the same thread must panic")
			}
		}()
		NewEventLoop()
	}()
	wg.Wait()
}

func TestLoopsOnDistinctThreads(t *testing.T) {
	el1, stop1 := startTestLoop(t)
	el2, stop2 := startTestLoop(t)
	defer stop1()
	defer stop2()

	if el1.threadID == el2.threadID {
		t.Fatalf("two loops share thread %d", el1.threadID)
	}
}

func TestRunInLoopOffThreadDefers(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	var mu sync.Mutex
	var tid int
	done := make(chan struct{})
	el.RunInLoop(func() {
		mu.Lock()
		tid = unix.Gettid()
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task not executed")
	}
	mu.Lock()
	defer mu.Unlock()
	if tid != el.threadID {
		t.Errorf("task ran in thread %d, want loop thread %d", tid, el.threadID)
	}
}

// loop线程里（非drain阶段）的RunInLoop同步执行
func TestRunInLoopOnThreadRunsInline(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	done := make(chan bool, 1)
	// 定时器回调在分发阶段执行，此时RunInLoop应该内联
	el.RunAfter(10*time.Millisecond, func() {
		inline := false
		el.RunInLoop(func() {
			inline = true
		})
		done <- inline
	})

	select {
	case inline := <-done:
		if !inline {
			t.Error("RunInLoop on loop thread should run synchronously")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

// drain期间入队的任务要等下一轮循环
func TestQueueDuringDrainDeferredToNextIteration(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	type record struct {
		first, second uint64
	}
	done := make(chan record, 1)
	el.QueueInLoop(func() {
		first := el.Iteration()
		el.QueueInLoop(func() {
			done <- record{first: first, second: el.Iteration()}
		})
	})

	select {
	case r := <-done:
		if r.second <= r.first {
			t.Errorf("nested task ran in iteration %d, want after %d", r.second, r.first)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nested task not executed")
	}
}

// drain期间RunInLoop也不内联，走入队
func TestRunInLoopDuringDrainDefers(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	done := make(chan bool, 1)
	el.QueueInLoop(func() {
		ran := false
		el.RunInLoop(func() {
			ran = true
		})
		done <- ran
	})

	select {
	case ran := <-done:
		if ran {
			t.Error("RunInLoop during pending-task drain must defer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task not executed")
	}
}

// 跨线程唤醒：poll超时是10秒，任务必须远早于超时执行
func TestCrossThreadWakeup(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	// 先让loop进入poll阻塞
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	done := make(chan struct{})
	el.RunInLoop(func() {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task not executed")
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("wakeup took %v, expected well under the poll timeout", d)
	}
}

// 回调里Quit：本轮的任务执行完，loop退出
func TestQuitFromCallback(t *testing.T) {
	ch := make(chan *EventLoop, 1)
	done := make(chan struct{})
	go func() {
		el := NewEventLoop()
		ch <- el
		el.Loop()
		el.Close()
		close(done)
	}()
	el := <-ch

	var ranAfterQuit bool
	el.QueueInLoop(func() {
		el.Quit()
	})
	el.QueueInLoop(func() {
		// 和Quit同一批drain，仍然要被执行
		ranAfterQuit = true
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not quit")
	}
	if !ranAfterQuit {
		t.Error("tasks drained together with quit must still run")
	}
}

func TestUpdateChannelOffThreadPanics(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(efd)
	c := NewChannel(el, efd)

	defer func() {
		if recover() == nil {
			t.Error("UpdateChannel off the loop thread must panic")
		}
	}()
	// 测试goroutine不在loop线程上（loop线程已被锁定）
	el.UpdateChannel(c)
}

func TestIterationAndPollReturnTime(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	done := make(chan struct{})
	var iter uint64
	var prt time.Time
	el.QueueInLoop(func() {
		iter = el.Iteration()
		prt = el.PollReturnTime()
		close(done)
	})
	<-done
	if iter == 0 {
		t.Error("iteration counter not advancing")
	}
	if prt.IsZero() {
		t.Error("pollReturnTime not recorded")
	}
}
