package shloop

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/Senhnn/shloop/tools/logger"
	"github.com/Senhnn/shloop/tools/shlooperror"
)

// MaxTcpBufferCap tcp读缓冲区的大小
const MaxTcpBufferCap = 64 * 1024 // 64KB

type HandleResult = int

const (
	// None 在事件之后不需要做任何操作
	None HandleResult = iota

	// Close 事件之后应该关闭连接
	Close

	// Shutdown 停止服务器
	Shutdown
)

// EventHandler 事件循环钩子回调。
// OnOpen、OnConnectionClose以及（没开AsyncTraffic时的）OnTraffic都在连接所属的
// loop线程执行，不允许阻塞；OnBoot和OnShutdown在调用Run的协程里执行
type EventHandler interface {
	// OnBoot 当服务器开启时触发
	OnBoot(*Server) error

	// OnShutdown 当服务器关闭时会调用，他会关闭所有的事件循环和连接
	OnShutdown(*Server)

	// OnConnectionClose 在连接关闭时触发钩子
	OnConnectionClose(*Conn, error)

	// OnOpen 连接打开时触发钩子，返回的字节会作为第一笔数据发给对端
	OnOpen(*Conn, error) ([]byte, HandleResult)

	// OnTraffic 当套接字收到数据时触发
	OnTraffic(*Conn) HandleResult
}

var allServers sync.Map

// Run 启动服务器并阻塞，直到Stop被调用或者某个回调返回Shutdown
func Run(eventHandler EventHandler, addr string, opts ...OptionFunc) error {
	// 整理选项参数
	options := loadOptions(opts...)

	// 计算连接loop数量
	numEventLoop := 1
	if options.Multicore {
		numEventLoop = runtime.NumCPU()
	}
	if options.NumEventLoop > 0 {
		numEventLoop = options.NumEventLoop
	}

	s := &Server{
		opts:         options,
		eventHandler: eventHandler,
		addr:         addr,
	}

	// 根据负载均衡枚举值设置负载均衡器
	switch options.LB {
	case RoundRobin:
		s.lb = &roundRobinLoadBalancer{}
	case LeastConnections:
		s.lb = &leastConnectionsLoadBalancer{}
	case SourceAddrHash:
		s.lb = &sourceAddrHashLoadBalancer{}
	}

	s.cond = sync.NewCond(&sync.Mutex{})

	if err := s.start(numEventLoop); err != nil {
		logger.Error("server start error:", err)
		return err
	}

	// 执行启动钩子函数
	if err := s.eventHandler.OnBoot(s); err != nil {
		logger.Error("server OnBoot error:", err)
		s.signalShutdown()
		s.stop()
		return err
	}

	allServers.Store(addr, s)
	defer allServers.Delete(addr)

	s.stop()
	return nil
}

// Stop 优雅关闭服务器，等到所有连接和事件循环都退出才返回
func Stop(ctx context.Context, addr string) error {
	var s *Server
	if v, ok := allServers.Load(addr); ok {
		s = v.(*Server)
	} else {
		return shlooperror.ErrServerInShutdown
	}

	if s.isInShutdown() {
		return shlooperror.ErrServerInShutdown
	}
	s.signalShutdown()

	// 每一秒tick一次
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if s.isInShutdown() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
