package shloop

import (
	"sync"
	"time"

	"github.com/Senhnn/shloop/internal/socket"
	"github.com/Senhnn/shloop/tools/logger"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// serverLoop 一个连接loop和它名下的连接。
// conns只在自己的loop线程读写，connCount给负载均衡用
type serverLoop struct {
	loop      *EventLoop
	index     int
	conns     map[int]*Conn
	connCount atomic.Int32
}

// 只能在自己的loop线程调用
func (sl *serverLoop) attachConn(c *Conn, initial []byte) {
	sl.loop.AssertInLoopThread()
	sl.conns[c.fd] = c
	sl.connCount.Inc()
	c.openInLoop(initial)
}

func (sl *serverLoop) detachConn(c *Conn) {
	sl.loop.AssertInLoopThread()
	if sl.conns[c.fd] == c {
		delete(sl.conns, c.fd)
		sl.connCount.Dec()
	}
}

func (sl *serverLoop) closeAllConns() {
	sl.loop.AssertInLoopThread()
	for _, c := range sl.conns {
		c.handleClose(nil)
	}
}

// Server 一主多从reactor：accept专用loop只负责建立连接，
// 新连接按负载均衡分给连接loop，之后读写都固定在那个loop上
type Server struct {
	acceptLoop   *EventLoop
	acceptor     *Acceptor
	lb           loadBalancer
	wg           sync.WaitGroup // 等所有loop线程退出
	once         sync.Once      // 确保signalShutdown只发一次
	cond         *sync.Cond     // 处理服务器关闭的信号
	shutdownReq  bool           // cond.L保护，信号比等待先到也不丢
	inShutdown   atomic.Bool
	opts         *Options
	eventHandler EventHandler
	addr         string
}

// Addr 实际监听地址，OnBoot之后有效
func (s *Server) Addr() string {
	if s.acceptor != nil {
		return s.acceptor.Addr().String()
	}
	return s.addr
}

// CountConnections 当前活跃连接总数
func (s *Server) CountConnections() int {
	n := 0
	s.lb.iterate(func(_ int, sl *serverLoop) bool {
		n += int(sl.connCount.Load())
		return true
	})
	return n
}

// server是否正在关闭中
func (s *Server) isInShutdown() bool {
	return s.inShutdown.Load()
}

// 等待信号关闭server
func (s *Server) waitForShutdown() {
	s.cond.L.Lock()
	for !s.shutdownReq {
		s.cond.Wait()
	}
	s.cond.L.Unlock()
}

// 发送信号让server关闭
func (s *Server) signalShutdown() {
	s.once.Do(func() {
		s.cond.L.Lock()
		s.shutdownReq = true
		s.cond.Signal()
		s.cond.L.Unlock()
	})
}

// 在新的goroutine里构造并运行一个EventLoop，构造完成后把loop交回来。
// NewEventLoop必须在运行它的线程上调用，所以构造也要在那边做。
func (s *Server) startEventLoopThread() *EventLoop {
	ch := make(chan *EventLoop, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		el := NewEventLoop()
		ch <- el
		el.Loop()
		el.Close()
	}()
	return <-ch
}

// 启动连接loop组和accept loop
func (s *Server) start(numEventLoop int) error {
	for i := 0; i < numEventLoop; i++ {
		el := s.startEventLoopThread()
		s.lb.register(&serverLoop{
			loop:  el,
			conns: make(map[int]*Conn),
		})
	}

	sockOpts, err := convertOptionsToSocketOptions(s.opts)
	if err != nil {
		return err
	}

	// accept loop要等acceptor建好才能算启动完成
	type acceptResult struct {
		acceptor *Acceptor
		err      error
	}
	ch := make(chan acceptResult, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		el := NewEventLoop()
		a, err := NewAcceptor(el, s.addr, sockOpts...)
		if err != nil {
			ch <- acceptResult{err: err}
			el.Close()
			return
		}
		s.acceptLoop = el
		a.SetNewConnectionCallback(s.newConnection)
		a.Listen()
		ch <- acceptResult{acceptor: a}
		el.Loop()
		el.Close()
	}()

	res := <-ch
	if res.err != nil {
		// acceptor没起来，已经跑起来的连接loop要收掉
		s.lb.iterate(func(_ int, sl *serverLoop) bool {
			sl.loop.Quit()
			return true
		})
		s.wg.Wait()
		return res.err
	}
	s.acceptor = res.acceptor
	return nil
}

// accept loop的新连接回调：挑一个连接loop，把连接交过去
func (s *Server) newConnection(fd int, sa unix.Sockaddr) {
	remoteAddr := socket.SockaddrToTCPAddr(sa)
	if s.opts.TCPKeepAlive > 0 {
		if err := socket.SetKeepAlivePeriod(fd, int(s.opts.TCPKeepAlive/time.Second)); err != nil {
			logger.Error("set keep-alive error:", err)
		}
	}

	sl := s.lb.next(remoteAddr)
	c := newConn(fd, sl.loop, s.eventHandler, s.acceptor.Addr(), remoteAddr)
	c.sl = sl
	c.server = s
	c.asyncTraffic = s.opts.AsyncTraffic

	sl.loop.RunInLoop(func() {
		buf, res := s.eventHandler.OnOpen(c, nil)
		sl.attachConn(c, buf)
		c.handleResult(res)
	})
}

func (s *Server) stop() {
	// 等待信号进行关闭
	s.waitForShutdown()

	// 执行关闭服务器时的钩子函数
	s.eventHandler.OnShutdown(s)

	// 先停accept，不再有新连接进来
	s.acceptLoop.RunInLoop(func() {
		s.acceptor.Close()
	})
	s.acceptLoop.Quit()

	// 每个连接loop关掉自己名下的连接再退出
	s.lb.iterate(func(_ int, sl *serverLoop) bool {
		l := sl
		l.loop.RunInLoop(func() {
			l.closeAllConns()
		})
		l.loop.Quit()
		return true
	})

	// 等所有循环退出
	s.wg.Wait()

	s.inShutdown.Store(true)
}

func convertOptionsToSocketOptions(options *Options) ([]socket.SocketOption, error) {
	var sockOpts []socket.SocketOption

	if options.ReusePort {
		sockOpts = append(sockOpts, socket.SocketOption{SetSockOpt: socket.SetReusePort, Opt: 1})
	}
	if options.ReuseAddr {
		sockOpts = append(sockOpts, socket.SocketOption{SetSockOpt: socket.SetReuseAddr, Opt: 1})
	}
	if options.TCPNoDelay {
		sockOpts = append(sockOpts, socket.SocketOption{SetSockOpt: socket.SetNoDelay, Opt: 1})
	}
	if options.SocketRecvBuffer > 0 {
		sockOpts = append(sockOpts, socket.SocketOption{SetSockOpt: socket.SetRecvBuffer, Opt: options.SocketRecvBuffer})
	}
	if options.SocketSendBuffer > 0 {
		sockOpts = append(sockOpts, socket.SocketOption{SetSockOpt: socket.SetSendBuffer, Opt: options.SocketSendBuffer})
	}
	return sockOpts, nil
}
