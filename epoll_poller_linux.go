//go:build linux && !shloop_poll

package shloop

import (
	"fmt"
	"os"
	"time"

	"github.com/Senhnn/shloop/tools/logger"
	"golang.org/x/sys/unix"
)

// Channel.index在epoll poller里表示注册状态
const (
	channelNew     = -1 // 从未注册过
	channelAdded   = 1  // 已经在epoll里
	channelDeleted = 2  // 曾注册过，当前从epoll摘掉了（events为空）
)

// epoll返回事件缓冲区的初始容量，装满了下次翻倍
const initEventListSize = 16

type epollPoller struct {
	loop     *EventLoop
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*Channel // key：fd，value：Channel
}

func newDefaultPoller(loop *EventLoop) poller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		logger.Error("epoll_create1 error:", err)
		panic(os.NewSyscallError("epoll_create1", err))
	}
	return &epollPoller{
		loop:     loop,
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]*Channel),
	}
}

func (p *epollPoller) poll(timeoutMs int, activeChannels *[]*Channel) time.Time {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := time.Now()
	if err != nil {
		if err != unix.EINTR {
			logger.Error(os.NewSyscallError("epoll_wait", err))
		}
		return now
	}
	if n == 0 {
		return now
	}

	for i := 0; i < n; i++ {
		ev := &p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			// fd在上一轮回调里被摘掉了，事件作废
			continue
		}
		// epoll事件位和poll数值一致，直接透传
		ch.revents = ev.Events
		*activeChannels = append(*activeChannels, ch)
	}

	// 内核填满了整个缓冲区，说明容量可能不够，下一轮加倍
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now
}

// updateChannel 负责首次注册和事件变更两种情况
func (p *epollPoller) updateChannel(c *Channel) {
	p.loop.AssertInLoopThread()

	switch c.index {
	case channelNew, channelDeleted:
		if c.index == channelNew {
			if _, ok := p.channels[c.fd]; ok {
				panic(fmt.Sprintf("shloop: duplicate add of fd=%d", c.fd))
			}
			p.channels[c.fd] = c
		} else {
			if p.channels[c.fd] != c {
				panic(fmt.Sprintf("shloop: unknown deleted channel fd=%d", c.fd))
			}
		}
		c.index = channelAdded
		p.epollCtl(unix.EPOLL_CTL_ADD, c)
	case channelAdded:
		if p.channels[c.fd] != c {
			panic(fmt.Sprintf("shloop: unknown added channel fd=%d", c.fd))
		}
		if c.IsNoneEvent() {
			p.epollCtl(unix.EPOLL_CTL_DEL, c)
			c.index = channelDeleted
		} else {
			p.epollCtl(unix.EPOLL_CTL_MOD, c)
		}
	}
}

func (p *epollPoller) removeChannel(c *Channel) {
	p.loop.AssertInLoopThread()
	if p.channels[c.fd] != c {
		panic(fmt.Sprintf("shloop: remove unknown channel fd=%d", c.fd))
	}
	if !c.IsNoneEvent() {
		panic(fmt.Sprintf("shloop: remove channel fd=%d with non-empty events", c.fd))
	}
	delete(p.channels, c.fd)

	if c.index == channelAdded {
		p.epollCtl(unix.EPOLL_CTL_DEL, c)
	}
	c.index = channelNew
}

func (p *epollPoller) hasChannel(c *Channel) bool {
	p.loop.AssertInLoopThread()
	ch, ok := p.channels[c.fd]
	return ok && ch == c
}

func (p *epollPoller) epollCtl(op int, c *Channel) {
	ev := &unix.EpollEvent{
		Events: c.events,
		Fd:     int32(c.fd),
	}
	if op == unix.EPOLL_CTL_DEL {
		ev = nil
	}
	if err := unix.EpollCtl(p.epfd, op, c.fd, ev); err != nil {
		logger.Error(fmt.Sprintf("epoll_ctl op=%d fd=%d error:%v", op, c.fd, err))
		if op != unix.EPOLL_CTL_DEL {
			panic(os.NewSyscallError("epoll_ctl", err))
		}
	}
}

func (p *epollPoller) close() error {
	return os.NewSyscallError("close", unix.Close(p.epfd))
}
