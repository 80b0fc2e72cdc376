package shloop

import (
	"bytes"
	"net"
	"os"
	"sync"
	"time"

	shio "github.com/Senhnn/shloop/internal/io"
	"github.com/Senhnn/shloop/internal/socket"
	"github.com/Senhnn/shloop/tools/gopool"
	"github.com/Senhnn/shloop/tools/logger"
	"github.com/Senhnn/shloop/tools/shlooperror"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// 读事件的临时缓冲区，64KB一块，读完立刻归还
var readBufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, MaxTcpBufferCap)
	},
}

// Conn 封装套接字，抽象连接。拥有自己的fd和Channel，
// 生命周期固定在一个EventLoop上，不迁移。
// Channel通过tie绑定到连接的存活标志：poll之后、分发之前连接被释放的话，
// 这次事件整体丢弃，回调不会摸到已经释放的连接。
type Conn struct {
	fd      int
	loop    *EventLoop
	channel *Channel
	sl      *serverLoop // 服务端连接的归属loop上下文，客户端连接为nil
	server  *Server     // 所属server，客户端连接为nil

	handler      EventHandler
	asyncTraffic bool

	context    interface{} // 用户定义的上下文
	localAddr  net.Addr
	remoteAddr net.Addr

	bufMu      sync.Mutex    // 异步traffic模式下worker和loop都会碰recvBuffer
	recvBuffer *bytes.Buffer // 对端发送过来，未处理的数据

	sendQueue         [][]byte // 待发送数据，flush时用writev一次写出
	sendQueuedBytes   int
	shutdownAfterSend bool

	alive      atomic.Bool // tie存活标志
	processing atomic.Bool // 异步traffic的串行化标志
	opened     bool
}

func newConn(fd int, loop *EventLoop, handler EventHandler, localAddr, remoteAddr net.Addr) *Conn {
	c := &Conn{
		fd:         fd,
		loop:       loop,
		channel:    NewChannel(loop, fd),
		handler:    handler,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
		recvBuffer: bytes.NewBuffer(nil),
	}
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleCloseEvent)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.Tie(c.alive.Load)
	return c
}

func (c *Conn) Context() interface{}       { return c.context }
func (c *Conn) SetContext(ctx interface{}) { c.context = ctx }
func (c *Conn) LocalAddr() net.Addr        { return c.localAddr }
func (c *Conn) RemoteAddr() net.Addr       { return c.remoteAddr }
func (c *Conn) Fd() int                    { return c.fd }

// Read 读出接收缓冲区里的数据
func (c *Conn) Read(p []byte) (int, error) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return c.recvBuffer.Read(p)
}

// Buffered 接收缓冲区里未处理的字节数
func (c *Conn) Buffered() int {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return c.recvBuffer.Len()
}

// 连接建立后的初始化，在自己的loop线程执行
func (c *Conn) openInLoop(initial []byte) {
	c.loop.AssertInLoopThread()
	c.opened = true
	c.alive.Store(true)
	c.channel.EnableReading()

	if len(initial) > 0 {
		c.sendInLoop(initial)
	}
}

func (c *Conn) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopThread()

	buf := readBufferPool.Get().([]byte)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		readBufferPool.Put(buf)
		if err == unix.EAGAIN {
			return
		}
		logger.Error("conn read error fd:", c.fd, "err:", os.NewSyscallError("read", err))
		c.handleClose(os.NewSyscallError("read", err))
		return
	}
	if n == 0 {
		readBufferPool.Put(buf)
		c.handleClose(nil)
		return
	}

	c.bufMu.Lock()
	c.recvBuffer.Write(buf[:n])
	c.bufMu.Unlock()
	readBufferPool.Put(buf)

	if c.asyncTraffic {
		c.dispatchTrafficAsync()
		return
	}
	c.handleResult(c.handler.OnTraffic(c))
}

// 异步traffic：OnTraffic丢到协程池跑，同一条连接同一时刻
// 只有一个worker在处理，处理结果回到loop线程生效
func (c *Conn) dispatchTrafficAsync() {
	if !c.processing.CAS(false, true) {
		return
	}
	gopool.Go(func() {
		for {
			res := c.handler.OnTraffic(c)
			if res != None {
				c.processing.Store(false)
				c.loop.QueueInLoop(func() { c.handleResult(res) })
				return
			}
			c.processing.Store(false)
			// worker退出前又来了数据的话接着处理，抢不到就让给下一个
			if c.Buffered() == 0 || !c.processing.CAS(false, true) {
				return
			}
		}
	})
}

func (c *Conn) handleResult(res HandleResult) {
	switch res {
	case None:
	case Close:
		c.handleClose(nil)
	case Shutdown:
		if c.server != nil {
			c.server.signalShutdown()
		} else {
			c.handleClose(shlooperror.ErrServerShutdown)
		}
	}
}

// Send 发送数据。loop线程直接写，其他线程转AsyncWrite。
// 写不完的部分排进发送队列，等可写事件flush。
func (c *Conn) Send(b []byte) error {
	if !c.alive.Load() {
		return shlooperror.ErrConnectionClosed
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(b)
		return nil
	}
	return c.AsyncWrite(b)
}

// AsyncWrite 从任意协程发送数据，数据先拷贝一份再排到loop线程
func (c *Conn) AsyncWrite(b []byte) error {
	if !c.alive.Load() {
		return shlooperror.ErrConnectionClosed
	}
	data := make([]byte, len(b))
	copy(data, b)
	c.loop.RunInLoop(func() {
		c.sendInLoop(data)
	})
	return nil
}

func (c *Conn) sendInLoop(b []byte) {
	c.loop.AssertInLoopThread()
	if !c.opened || len(b) == 0 {
		return
	}

	written := 0
	// 发送队列为空就直接写，大多数时候一次写完，不用开可写关注
	if len(c.sendQueue) == 0 {
		n, err := unix.Write(c.fd, b)
		if err != nil && err != unix.EAGAIN {
			logger.Error("conn write error fd:", c.fd, "err:", os.NewSyscallError("write", err))
			c.handleClose(os.NewSyscallError("write", err))
			return
		}
		if n > 0 {
			written = n
		}
		if written == len(b) {
			return
		}
	}

	remain := make([]byte, len(b)-written)
	copy(remain, b[written:])
	c.sendQueue = append(c.sendQueue, remain)
	c.sendQueuedBytes += len(remain)
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// 可写事件：用writev把发送队列一次性往外写
func (c *Conn) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		logger.Trace("conn is down, no more writing, fd:", c.fd)
		return
	}

	n, err := shio.Writev(c.fd, c.sendQueue)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		logger.Error("conn writev error fd:", c.fd, "err:", os.NewSyscallError("writev", err))
		c.handleClose(os.NewSyscallError("writev", err))
		return
	}
	c.advanceSendQueue(n)

	if len(c.sendQueue) == 0 {
		c.channel.DisableWriting()
		if c.shutdownAfterSend {
			_ = unix.Shutdown(c.fd, unix.SHUT_WR)
		}
	}
}

// 从发送队列头部丢掉已经写出去的n个字节
func (c *Conn) advanceSendQueue(n int) {
	c.sendQueuedBytes -= n
	for n > 0 && len(c.sendQueue) > 0 {
		head := c.sendQueue[0]
		if n >= len(head) {
			n -= len(head)
			c.sendQueue[0] = nil
			c.sendQueue = c.sendQueue[1:]
		} else {
			c.sendQueue[0] = head[n:]
			n = 0
		}
	}
	if len(c.sendQueue) == 0 {
		c.sendQueue = nil
	}
}

// ShutdownWrite 半关闭：发送队列清空之后关掉写端，读端继续
func (c *Conn) ShutdownWrite() {
	c.loop.RunInLoop(func() {
		if len(c.sendQueue) == 0 {
			_ = unix.Shutdown(c.fd, unix.SHUT_WR)
		} else {
			c.shutdownAfterSend = true
		}
	})
}

// Close 主动关闭连接，任意线程可调
func (c *Conn) Close() {
	c.loop.RunInLoop(func() {
		c.handleClose(nil)
	})
}

func (c *Conn) handleCloseEvent() {
	c.handleClose(nil)
}

// 对端异常时从SO_ERROR取出具体错误记日志
func (c *Conn) handleError() {
	errno, err := socket.SocketError(c.fd)
	if err != nil {
		logger.Error("conn SO_ERROR fd:", c.fd, "err:", err)
		return
	}
	if errno != 0 {
		logger.Error("conn error fd:", c.fd, "err:", unix.Errno(errno))
	}
}

// 关闭连接：摘Channel、关fd、触发钩子、释放资源。
// 先清存活标志，poll和分发之间的窗口里连接没了的话tie会兜住。
func (c *Conn) handleClose(err error) {
	c.loop.AssertInLoopThread()
	if !c.opened {
		return
	}
	c.opened = false
	c.alive.Store(false)

	c.channel.DisableAll()
	c.channel.Remove()

	if c.sl != nil {
		c.sl.detachConn(c)
	}
	if e := unix.Close(c.fd); e != nil {
		logger.Error("conn close fd:", c.fd, "err:", os.NewSyscallError("close", e))
	}

	c.handler.OnConnectionClose(c, err)
	// 最终释放推迟到本轮分发结束之后，Channel不能在自己的
	// handleEvent还没返回时被销毁
	c.loop.QueueInLoop(c.release)
}

func (c *Conn) release() {
	c.channel.assertClosable()
	c.context = nil
	c.sendQueue = nil
	c.sendQueuedBytes = 0
	c.bufMu.Lock()
	c.recvBuffer = bytes.NewBuffer(nil)
	c.bufMu.Unlock()
}
