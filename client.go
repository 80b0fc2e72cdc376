package shloop

import (
	"os"
	"time"

	"github.com/Senhnn/shloop/internal/socket"
	"github.com/Senhnn/shloop/tools/logger"
	"golang.org/x/sys/unix"
)

// Connector重连的退避参数：从500ms翻倍到30s封顶
const (
	initRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
)

// connector状态
const (
	stateDisconnected = iota
	stateConnecting
	stateConnected
)

// Connector 非阻塞发起TCP连接。connect返回EINPROGRESS之后
// 注册可写关注等待完成，完成时用SO_ERROR判断成败。
// 自连接（同时打开撞上自己的临时端口）视为失败断开重试，
// 失败按指数退避用定时器重连。
// 所有成员函数都会把动作排到loop线程执行。
type Connector struct {
	loop       *EventLoop
	serverAddr string
	state      int
	stopped    bool
	retryDelay time.Duration
	channel    *Channel

	newConnectionCallback func(fd int)
}

func NewConnector(loop *EventLoop, serverAddr string) *Connector {
	return &Connector{
		loop:       loop,
		serverAddr: serverAddr,
		state:      stateDisconnected,
		retryDelay: initRetryDelay,
	}
}

func (ct *Connector) SetNewConnectionCallback(f func(fd int)) {
	ct.newConnectionCallback = f
}

// Start 发起连接，可以从任意线程调用
func (ct *Connector) Start() {
	ct.loop.RunInLoop(ct.startInLoop)
}

// Stop 停止连接和重连
func (ct *Connector) Stop() {
	ct.loop.RunInLoop(func() {
		ct.stopped = true
		if ct.state == stateConnecting {
			fd := ct.removeAndResetChannel()
			_ = unix.Close(fd)
			ct.state = stateDisconnected
		}
	})
}

func (ct *Connector) startInLoop() {
	ct.loop.AssertInLoopThread()
	if ct.stopped || ct.state != stateDisconnected {
		return
	}
	ct.connect()
}

func (ct *Connector) connect() {
	fd, err := socket.TCPSocket()
	if err != nil {
		logger.Error("connector socket error:", err)
		ct.retry(-1)
		return
	}

	err = socket.Connect(fd, ct.serverAddr)
	switch err {
	case nil, unix.EINPROGRESS, unix.EINTR, unix.EISCONN:
		ct.connecting(fd)
	case unix.EAGAIN, unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.ECONNREFUSED, unix.ENETUNREACH:
		ct.retry(fd)
	default:
		logger.Error("connector connect error:", os.NewSyscallError("connect", err))
		_ = unix.Close(fd)
	}
}

// 等待非阻塞connect完成：可写或者出错都会触发
func (ct *Connector) connecting(fd int) {
	ct.state = stateConnecting
	ct.channel = NewChannel(ct.loop, fd)
	ct.channel.SetWriteCallback(ct.handleWrite)
	ct.channel.SetErrorCallback(ct.handleError)
	ct.channel.EnableWriting()
}

func (ct *Connector) handleWrite() {
	if ct.state != stateConnecting {
		return
	}

	fd := ct.removeAndResetChannel()
	// 可写不代表成功，要看SO_ERROR；连到自己也算失败
	errno, err := socket.SocketError(fd)
	if err != nil || errno != 0 {
		logger.WarnF("connector SO_ERROR=%d, retry", errno)
		ct.retry(fd)
		return
	}
	if socket.IsSelfConnect(fd) {
		logger.Warn("connector self connect, retry")
		ct.retry(fd)
		return
	}

	ct.state = stateConnected
	if ct.stopped {
		_ = unix.Close(fd)
		return
	}
	if ct.newConnectionCallback != nil {
		ct.newConnectionCallback(fd)
	} else {
		_ = unix.Close(fd)
	}
}

func (ct *Connector) handleError() {
	if ct.state != stateConnecting {
		return
	}
	fd := ct.removeAndResetChannel()
	errno, _ := socket.SocketError(fd)
	logger.ErrorF("connector handleError SO_ERROR=%d", errno)
	ct.retry(fd)
}

// 把监视connect的Channel摘下来。Channel不能在自己的回调里销毁，
// 真正的重置推迟到drain阶段
func (ct *Connector) removeAndResetChannel() int {
	fd := ct.channel.Fd()
	ct.channel.DisableAll()
	ct.channel.Remove()
	ch := ct.channel
	ct.loop.QueueInLoop(func() {
		ch.assertClosable()
	})
	ct.channel = nil
	return fd
}

// retry 关掉失败的fd，按退避延迟重连
func (ct *Connector) retry(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
	ct.state = stateDisconnected
	if ct.stopped {
		return
	}

	logger.InfoF("connector retry connecting to %s in %v", ct.serverAddr, ct.retryDelay)
	ct.loop.RunAfter(ct.retryDelay, ct.startInLoop)
	ct.retryDelay *= 2
	if ct.retryDelay > maxRetryDelay {
		ct.retryDelay = maxRetryDelay
	}
}

// Client TCP客户端：一个Connector加一条连接，连接挂在调用方给的loop上
type Client struct {
	loop      *EventLoop
	connector *Connector
	handler   EventHandler
	conn      *Conn
	reconnect bool // 连接断开后是否自动重连
}

func NewClient(loop *EventLoop, serverAddr string, handler EventHandler) *Client {
	c := &Client{
		loop:      loop,
		connector: NewConnector(loop, serverAddr),
		handler:   handler,
	}
	c.connector.SetNewConnectionCallback(c.newConnection)
	return c
}

// SetReconnect 连接断开后是否自动重连
func (cl *Client) SetReconnect(b bool) { cl.reconnect = b }

// Conn 当前连接，没连上时为nil
func (cl *Client) Conn() *Conn { return cl.conn }

// Connect 发起连接
func (cl *Client) Connect() {
	cl.connector.Start()
}

// Disconnect 半关闭当前连接
func (cl *Client) Disconnect() {
	if cl.conn != nil {
		cl.conn.ShutdownWrite()
	}
}

// Stop 停止重连并关闭连接
func (cl *Client) Stop() {
	cl.connector.Stop()
	cl.loop.RunInLoop(func() {
		if cl.conn != nil {
			cl.conn.handleClose(nil)
		}
	})
}

func (cl *Client) newConnection(fd int) {
	cl.loop.AssertInLoopThread()
	c := newConn(fd, cl.loop, &clientConnHandler{cl}, socket.LocalAddr(fd), socket.RemoteAddr(fd))
	cl.conn = c

	buf, res := cl.handler.OnOpen(c, nil)
	c.openInLoop(buf)
	c.handleResult(res)
}

// 包一层拦截关闭事件，维护Client.conn和自动重连
type clientConnHandler struct {
	cl *Client
}

func (h *clientConnHandler) OnBoot(s *Server) error { return h.cl.handler.OnBoot(s) }
func (h *clientConnHandler) OnShutdown(s *Server)   { h.cl.handler.OnShutdown(s) }

func (h *clientConnHandler) OnOpen(c *Conn, err error) ([]byte, HandleResult) {
	return h.cl.handler.OnOpen(c, err)
}

func (h *clientConnHandler) OnTraffic(c *Conn) HandleResult {
	return h.cl.handler.OnTraffic(c)
}

func (h *clientConnHandler) OnConnectionClose(c *Conn, err error) {
	if h.cl.conn == c {
		h.cl.conn = nil
	}
	h.cl.handler.OnConnectionClose(c, err)
	if h.cl.reconnect && !h.cl.connector.stopped {
		h.cl.connector.Start()
	}
}
