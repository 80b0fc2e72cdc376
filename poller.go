package shloop

import "time"

// poller 对内核就绪接口的抽象。poll阻塞到有fd就绪或者超时，
// 把就绪的Channel追加到activeChannels并填好它们的revents，
// 返回内核返回之后立刻取的时间戳。
// timeoutMs为负表示一直等，为0表示不等。
// updateChannel和removeChannel是仅有的两个注册变更入口，
// 都只允许在loop线程调用。
// 具体实现由构建时决定（默认epoll，加shloop_poll标签用poll(2)），
// EventLoop感知不到用的是哪一个。
type poller interface {
	poll(timeoutMs int, activeChannels *[]*Channel) time.Time
	updateChannel(c *Channel)
	removeChannel(c *Channel)
	hasChannel(c *Channel) bool
	close() error
}
