package shlooperror

import "errors"

var (
	// ErrServerShutdown 服务器准备关闭，无法接受新连接
	ErrServerShutdown = errors.New("server is going to be shutdown")
	// ErrServerInShutdown 当服务器重复关闭时发生该错误
	ErrServerInShutdown = errors.New("server is in shutdown")
	// ErrAcceptSocket 接受新连接错误
	ErrAcceptSocket = errors.New("accept a new connection error")
	// ErrTooManyEventLoopThreads 所需的线程数过多
	ErrTooManyEventLoopThreads = errors.New("too many event-loops under LockOSThread mode")
	// ErrConnectionClosed 连接已经关闭，不能再发送数据
	ErrConnectionClosed = errors.New("connection is closed")
	// ErrConnectorStopped 连接器已经停止，不再发起重连
	ErrConnectorStopped = errors.New("connector is stopped")
	// ErrEventLoopClosed 事件循环已经关闭
	ErrEventLoopClosed = errors.New("event-loop is closed")
)
