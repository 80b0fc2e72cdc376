package shloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// 四种回调全部触发时的分发顺序：close -> error -> read -> write。
// POLLHUP要在没有POLLIN时才算close，所以读事件用POLLRDHUP触发。
func TestChannelDispatchOrder(t *testing.T) {
	c := NewChannel(nil, 42)

	var order []string
	c.SetCloseCallback(func() { order = append(order, "close") })
	c.SetErrorCallback(func() { order = append(order, "error") })
	c.SetReadCallback(func(time.Time) { order = append(order, "read") })
	c.SetWriteCallback(func() { order = append(order, "write") })

	c.revents = unix.POLLHUP | unix.POLLERR | unix.POLLRDHUP | unix.POLLOUT
	c.HandleEvent(time.Now())

	want := []string{"close", "error", "read", "write"}
	if len(order) != len(want) {
		t.Fatalf("dispatched %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatched %v, want %v", order, want)
		}
	}
}

// POLLHUP和POLLIN同时出现时不算close，数据要先被读走
func TestChannelHupWithReadableDataSkipsClose(t *testing.T) {
	c := NewChannel(nil, 42)

	var order []string
	c.SetCloseCallback(func() { order = append(order, "close") })
	c.SetReadCallback(func(time.Time) { order = append(order, "read") })

	c.revents = unix.POLLHUP | unix.POLLIN
	c.HandleEvent(time.Now())

	if len(order) != 1 || order[0] != "read" {
		t.Fatalf("dispatched %v, want [read]", order)
	}
}

// tie升级失败时本次分发整体跳过
func TestChannelTieGuardSuppressesDispatch(t *testing.T) {
	c := NewChannel(nil, 42)

	fired := false
	c.SetReadCallback(func(time.Time) { fired = true })
	c.SetErrorCallback(func() { fired = true })

	alive := true
	c.Tie(func() bool { return alive })

	alive = false
	c.revents = unix.POLLIN | unix.POLLERR
	c.HandleEvent(time.Now())
	if fired {
		t.Error("callbacks fired although the tied owner is gone")
	}

	alive = true
	c.HandleEvent(time.Now())
	if !fired {
		t.Error("callbacks must fire when the tie upgrade succeeds")
	}
}

// 读回调收到的receiveTime是poll返回时刻的时间戳
func TestChannelReadCallbackReceiveTime(t *testing.T) {
	c := NewChannel(nil, 42)

	stamp := time.Now().Add(-time.Minute)
	var got time.Time
	c.SetReadCallback(func(ts time.Time) { got = ts })

	c.revents = unix.POLLIN
	c.HandleEvent(stamp)
	if !got.Equal(stamp) {
		t.Errorf("receiveTime = %v, want %v", got, stamp)
	}
}

// 回调里摘掉自己的channel是合法的，真正销毁推迟到handleEvent返回之后
func TestChannelSelfRemoveDuringDispatch(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(efd)

	c := NewChannel(el, efd)
	removed := make(chan struct{})
	c.SetReadCallback(func(time.Time) {
		var buf [8]byte
		unix.Read(efd, buf[:])
		c.DisableAll()
		c.Remove()
		close(removed)
	})
	el.RunInLoop(c.EnableReading)

	if _, err := unix.Write(efd, []byte{1, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("read callback did not run")
	}

	// handleEvent返回之后channel既不在loop上也不在分发中，可以销毁
	checked := make(chan struct{})
	el.RunInLoop(func() {
		if el.HasChannel(c) {
			t.Error("channel still registered after Remove")
		}
		c.assertClosable()
		close(checked)
	})
	select {
	case <-checked:
	case <-time.After(2 * time.Second):
		t.Fatal("check task did not run")
	}
}

// 注册时关注可写，通过真实poller走一轮事件
func TestChannelWritableDispatch(t *testing.T) {
	el, stop := startTestLoop(t)
	defer stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	c := NewChannel(el, fds[0])
	fired := make(chan struct{})
	c.SetWriteCallback(func() {
		c.DisableAll()
		c.Remove()
		close(fired)
	})
	el.RunInLoop(c.EnableWriting)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("write callback did not run")
	}
}
