package shloop

import (
	"fmt"
	"strings"
	"time"

	"github.com/Senhnn/shloop/tools/logger"
	"golang.org/x/sys/unix"
)

// 事件掩码统一用poll(2)的位定义，epoll的EPOLLIN/EPOLLPRI/EPOLLOUT/
// EPOLLERR/EPOLLHUP/EPOLLRDHUP数值与poll完全一致，两种poller共用一套掩码
const (
	// EventNone 不关注任何事件
	EventNone uint32 = 0
	// EventRead 可读事件，包含普通数据和紧急数据
	EventRead uint32 = unix.POLLIN | unix.POLLPRI
	// EventWrite 可写事件
	EventWrite uint32 = unix.POLLOUT
)

// Channel 把一个文件描述符和它的事件回调绑在一起，是事件循环分发的唯一对象。
// Channel不拥有fd，fd在Channel注册期间必须保持打开。
// 一个Channel只能属于一个EventLoop，注册之后所有操作都要在loop线程做。
type Channel struct {
	loop *EventLoop // 所属事件循环，不拥有
	fd   int

	events  uint32 // 关注的事件
	revents uint32 // 最近一次poll返回的事件，只在本次分发内有效
	index   int    // poller私有，含义由poller实现定义

	readCallback  func(receiveTime time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()

	// tie 宿主对象的存活检查，分发前调用，返回false则本次分发整体跳过。
	// 用来保证连接对象不会在自己的回调执行中途被释放。
	tie  func() bool
	tied bool

	eventHandling bool
	addedToLoop   bool
	logHup        bool
}

// NewChannel 创建Channel，此时尚未注册到poller，
// 第一次设置非空事件掩码时才会注册
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:   loop,
		fd:     fd,
		index:  -1,
		logHup: true,
	}
}

func (c *Channel) Fd() int               { return c.fd }
func (c *Channel) Events() uint32        { return c.events }
func (c *Channel) OwnerLoop() *EventLoop { return c.loop }

// IsNoneEvent 是否不关注任何事件
func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

func (c *Channel) IsReading() bool { return c.events&EventRead != 0 }
func (c *Channel) IsWriting() bool { return c.events&EventWrite != 0 }

func (c *Channel) SetReadCallback(f func(time.Time)) { c.readCallback = f }
func (c *Channel) SetWriteCallback(f func())         { c.writeCallback = f }
func (c *Channel) SetCloseCallback(f func())         { c.closeCallback = f }
func (c *Channel) SetErrorCallback(f func())         { c.errorCallback = f }

// Tie 绑定宿主对象的存活检查。分发时先调用upgrade，
// 宿主已经释放则本次事件静默丢弃
func (c *Channel) Tie(upgrade func() bool) {
	c.tie = upgrade
	c.tied = true
}

func (c *Channel) EnableReading() {
	c.events |= EventRead
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= EventRead
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= EventWrite
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= EventWrite
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = EventNone
	c.update()
}

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.UpdateChannel(c)
}

// Remove 把Channel从poller注销，只有在不关注任何事件时才允许调用
func (c *Channel) Remove() {
	if !c.IsNoneEvent() {
		panic(fmt.Sprintf("shloop: remove channel fd=%d with events=%s", c.fd, c.eventsToString(c.events)))
	}
	c.addedToLoop = false
	c.loop.RemoveChannel(c)
}

// assertClosable Channel销毁前的检查：不能正在分发，也不能还注册在loop上
func (c *Channel) assertClosable() {
	if c.eventHandling {
		panic(fmt.Sprintf("shloop: channel fd=%d destroyed during event handling", c.fd))
	}
	if c.addedToLoop {
		panic(fmt.Sprintf("shloop: channel fd=%d destroyed while still in loop", c.fd))
	}
}

// HandleEvent 由事件循环调用，receiveTime是poll返回时刻的时间戳。
// 绑了tie的先做存活升级，失败则全部回调都不执行。
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tied {
		if !c.tie() {
			return
		}
	}
	c.handleEventWithGuard(receiveTime)
}

// 分发顺序不能改：先close后error再read最后write。
// 对端关闭要先于数据被观察到，错误要先于数据被观察到，
// write放最后是为了让触发close的write能先看到close。
func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	c.eventHandling = true

	if (c.revents&unix.POLLHUP) != 0 && (c.revents&unix.POLLIN) == 0 {
		if c.logHup {
			logger.Warn(fmt.Sprintf("fd = %d Channel.HandleEvent() POLLHUP", c.fd))
		}
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}

	if c.revents&unix.POLLNVAL != 0 {
		logger.Warn(fmt.Sprintf("fd = %d Channel.HandleEvent() POLLNVAL", c.fd))
	}

	if c.revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(unix.POLLIN|unix.POLLPRI|unix.POLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&unix.POLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}

	c.eventHandling = false
}

// ReventsToString 打印收到的事件，调试用
func (c *Channel) ReventsToString() string {
	return c.eventsToString(c.revents)
}

func (c *Channel) eventsToString(ev uint32) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d: ", c.fd)
	if ev&unix.POLLIN != 0 {
		sb.WriteString("IN ")
	}
	if ev&unix.POLLPRI != 0 {
		sb.WriteString("PRI ")
	}
	if ev&unix.POLLOUT != 0 {
		sb.WriteString("OUT ")
	}
	if ev&unix.POLLHUP != 0 {
		sb.WriteString("HUP ")
	}
	if ev&unix.POLLRDHUP != 0 {
		sb.WriteString("RDHUP ")
	}
	if ev&unix.POLLERR != 0 {
		sb.WriteString("ERR ")
	}
	if ev&unix.POLLNVAL != 0 {
		sb.WriteString("NVAL ")
	}
	return sb.String()
}
