package shloop

import (
	"time"
)

type Options struct {
	// TCPKeepAlive 设置tcp连接的保活时间
	TCPKeepAlive time.Duration

	// 是否需要给socket设置SO_REUSEPORT
	ReusePort bool

	// 是否开启多核；启动CPU数量的连接loop，会被NumEventLoop覆盖
	Multicore bool

	// 指定连接loop的数量
	NumEventLoop int

	// 是否需要给socket设置SO_REUSEADDR
	ReuseAddr bool

	// 是否开启Nagle算法，true表示不开启，false表示开启
	TCPNoDelay bool

	// SocketRecvBuffer 设置socket读缓冲区
	SocketRecvBuffer int

	// SocketSendBuffer 设置socket写缓冲区
	SocketSendBuffer int

	// AsyncTraffic OnTraffic是否丢到协程池执行；
	// 回调里有阻塞逻辑时打开，同一条连接仍然串行
	AsyncTraffic bool

	// 负载均衡器
	LB LoadBalancing
}

type OptionFunc = func(*Options)

// 设置参数，返回最终的Options结构
func loadOptions(options ...OptionFunc) *Options {
	opts := &Options{}
	for _, option := range options {
		option(opts)
	}
	return opts
}

// WithOptions 手动设置所有选项
func WithOptions(options Options) OptionFunc {
	return func(opts *Options) {
		*opts = options
	}
}

// WithMulticore 设置开启多核
func WithMulticore(multicore bool) OptionFunc {
	return func(opts *Options) {
		opts.Multicore = multicore
	}
}

// WithLoadBalancing 设置负载均衡算法
func WithLoadBalancing(lb LoadBalancing) OptionFunc {
	return func(opts *Options) {
		opts.LB = lb
	}
}

// WithNumEventLoop 指定连接loop数量
func WithNumEventLoop(numEventLoop int) OptionFunc {
	return func(opts *Options) {
		opts.NumEventLoop = numEventLoop
	}
}

// WithReusePort 设置监听套接字端口复用
func WithReusePort(reusePort bool) OptionFunc {
	return func(opts *Options) {
		opts.ReusePort = reusePort
	}
}

// WithReuseAddr 设置地址复用
func WithReuseAddr(reuseAddr bool) OptionFunc {
	return func(opts *Options) {
		opts.ReuseAddr = reuseAddr
	}
}

// WithTCPKeepAlive 设置tcp的keep-alive机制
func WithTCPKeepAlive(tcpKeepAlive time.Duration) OptionFunc {
	return func(opts *Options) {
		opts.TCPKeepAlive = tcpKeepAlive
	}
}

// WithTCPNoDelay 开启或者关闭套接字的TCP_NODELAY选项
func WithTCPNoDelay(tcpNoDelay bool) OptionFunc {
	return func(opts *Options) {
		opts.TCPNoDelay = tcpNoDelay
	}
}

// WithSocketRecvBuffer 设置套接字接收缓冲区大小
func WithSocketRecvBuffer(recvBuf int) OptionFunc {
	return func(opts *Options) {
		opts.SocketRecvBuffer = recvBuf
	}
}

// WithSocketSendBuffer 设置套接字发送缓冲区大小
func WithSocketSendBuffer(sendBuf int) OptionFunc {
	return func(opts *Options) {
		opts.SocketSendBuffer = sendBuf
	}
}

// WithAsyncTraffic OnTraffic走协程池
func WithAsyncTraffic(async bool) OptionFunc {
	return func(opts *Options) {
		opts.AsyncTraffic = async
	}
}
