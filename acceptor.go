package shloop

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/Senhnn/shloop/internal/socket"
	"github.com/Senhnn/shloop/tools/logger"
	"golang.org/x/sys/unix"
)

// Acceptor 把监听套接字包成一个Channel挂在accept专用的loop上。
// 可读事件到来时循环accept4直到EAGAIN，新连接交给回调处理。
//
// 进程fd耗尽（EMFILE）时用预留的空闲fd腾位置：关掉空闲fd，
// 把排队的连接accept出来立刻关掉，再把空闲fd占回去。
// 不这样做的话这条连接会一直留在backlog里反复触发可读。
type Acceptor struct {
	loop          *EventLoop
	listenFd      int
	addr          net.Addr
	acceptChannel *Channel

	newConnectionCallback func(fd int, sa unix.Sockaddr)

	listening bool
	idleFd    int
	once      sync.Once
}

// NewAcceptor 创建监听套接字并绑定到loop，要在loop线程调用。
// 此时还没开始接收连接，要等Listen。
func NewAcceptor(loop *EventLoop, addr string, sockOpts ...socket.SocketOption) (*Acceptor, error) {
	fd, netAddr, err := socket.TCPListenSocket(addr, sockOpts...)
	if err != nil {
		logger.Error("NewAcceptor error:", err)
		return nil, err
	}

	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("open /dev/null", err)
	}

	a := &Acceptor{
		loop:          loop,
		listenFd:      fd,
		addr:          netAddr,
		acceptChannel: NewChannel(loop, fd),
		idleFd:        idleFd,
	}
	a.acceptChannel.SetReadCallback(a.handleRead)
	return a, nil
}

func (a *Acceptor) SetNewConnectionCallback(f func(fd int, sa unix.Sockaddr)) {
	a.newConnectionCallback = f
}

// Addr 实际监听的地址（含内核分配的端口）
func (a *Acceptor) Addr() net.Addr { return a.addr }

func (a *Acceptor) Listening() bool { return a.listening }

// Listen 开始接收连接，只能在loop线程调用
func (a *Acceptor) Listen() {
	a.loop.AssertInLoopThread()
	a.listening = true
	a.acceptChannel.EnableReading()
}

func (a *Acceptor) handleRead(time.Time) {
	a.loop.AssertInLoopThread()
	for {
		connFd, sa, err := socket.Accept(a.listenFd)
		if err == nil {
			if a.newConnectionCallback != nil {
				a.newConnectionCallback(connFd, sa)
			} else {
				_ = unix.Close(connFd)
			}
			continue
		}

		switch err {
		case unix.EAGAIN:
			return
		case unix.EMFILE:
			logger.Error("accept error: too many open files")
			_ = unix.Close(a.idleFd)
			if fd, _, e := unix.Accept(a.listenFd); e == nil {
				_ = unix.Close(fd)
			}
			a.idleFd, _ = unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
			return
		default:
			if socket.IsFatalAcceptError(err) {
				logger.Error("unexpected accept error:", err)
				panic(os.NewSyscallError("accept4", err))
			}
			// 暂时性错误（EINTR、ECONNABORTED等），记下来继续收
			logger.Warn("accept error:", err)
		}
	}
}

// Close 摘除Channel并关闭监听fd，只能在loop线程调用
func (a *Acceptor) Close() {
	a.once.Do(func() {
		a.listening = false
		a.acceptChannel.DisableAll()
		a.acceptChannel.Remove()
		if err := unix.Close(a.listenFd); err != nil {
			logger.Error(os.NewSyscallError("close", err))
		}
		_ = unix.Close(a.idleFd)
	})
}
