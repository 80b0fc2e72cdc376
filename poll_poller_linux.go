//go:build linux && shloop_poll

package shloop

import (
	"fmt"
	"os"
	"time"

	"github.com/Senhnn/shloop/tools/logger"
	"golang.org/x/sys/unix"
)

// pollPoller 水平触发的poll(2)扫描实现。
// 维护一个紧凑的pollfd数组，Channel.index就是它在数组中的下标。
// 逻辑摘除（events清空）不收缩数组，把fd写成负数让内核忽略这个槽；
// 物理删除时把要删的槽和最后一个槽交换再弹出，O(1)均摊。
type pollPoller struct {
	loop     *EventLoop
	pollfds  []unix.PollFd
	channels map[int]*Channel
}

func newDefaultPoller(loop *EventLoop) poller {
	return &pollPoller{
		loop:     loop,
		channels: make(map[int]*Channel),
	}
}

func (p *pollPoller) poll(timeoutMs int, activeChannels *[]*Channel) time.Time {
	n, err := unix.Poll(p.pollfds, timeoutMs)
	now := time.Now()
	if err != nil {
		if err != unix.EINTR {
			logger.Error(os.NewSyscallError("poll", err))
		}
		return now
	}
	if n == 0 {
		return now
	}

	// 把就绪的channel填进activeChannels，填够n个就停
	left := n
	for i := range p.pollfds {
		if left <= 0 {
			break
		}
		pfd := &p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		left--
		ch, ok := p.channels[int(pfd.Fd)]
		if !ok {
			continue
		}
		ch.revents = uint32(pfd.Revents)
		*activeChannels = append(*activeChannels, ch)
	}
	return now
}

func (p *pollPoller) updateChannel(c *Channel) {
	p.loop.AssertInLoopThread()

	if c.index < 0 {
		// 新channel，追加一个记录
		if _, ok := p.channels[c.fd]; ok {
			panic(fmt.Sprintf("shloop: duplicate add of fd=%d", c.fd))
		}
		p.pollfds = append(p.pollfds, unix.PollFd{
			Fd:     int32(c.fd),
			Events: int16(c.events),
		})
		c.index = len(p.pollfds) - 1
		p.channels[c.fd] = c
		return
	}

	// 已有channel，改写它的记录
	if p.channels[c.fd] != c || c.index >= len(p.pollfds) {
		panic(fmt.Sprintf("shloop: unknown channel fd=%d index=%d", c.fd, c.index))
	}
	pfd := &p.pollfds[c.index]
	pfd.Events = int16(c.events)
	pfd.Revents = 0
	if c.IsNoneEvent() {
		// 逻辑摘除：fd写成负数，poll(2)会忽略这个槽
		pfd.Fd = int32(-c.fd - 1)
	} else {
		pfd.Fd = int32(c.fd)
	}
}

func (p *pollPoller) removeChannel(c *Channel) {
	p.loop.AssertInLoopThread()
	if p.channels[c.fd] != c {
		panic(fmt.Sprintf("shloop: remove unknown channel fd=%d", c.fd))
	}
	if !c.IsNoneEvent() {
		panic(fmt.Sprintf("shloop: remove channel fd=%d with non-empty events", c.fd))
	}
	delete(p.channels, c.fd)

	idx := c.index
	last := len(p.pollfds) - 1
	if idx != last {
		// 和最后一个槽交换，修正被换过来的channel的index
		movedFd := int(p.pollfds[last].Fd)
		p.pollfds[idx], p.pollfds[last] = p.pollfds[last], p.pollfds[idx]
		if movedFd < 0 {
			movedFd = -movedFd - 1
		}
		p.channels[movedFd].index = idx
	}
	p.pollfds = p.pollfds[:last]
	c.index = -1
}

func (p *pollPoller) hasChannel(c *Channel) bool {
	p.loop.AssertInLoopThread()
	ch, ok := p.channels[c.fd]
	return ok && ch == c
}

func (p *pollPoller) close() error {
	return nil
}
