package shloop

import (
	"hash/crc32"
	"net"
)

// LoadBalancing 新连接挑选事件循环的算法，默认为轮询
type LoadBalancing int

const (
	// RoundRobin 轮询
	RoundRobin LoadBalancing = iota

	// LeastConnections 最小连接
	LeastConnections

	// SourceAddrHash 按来源地址hash
	SourceAddrHash
)

// loadBalancer 负载均衡接口，在连接loop组里选一个给新连接
type loadBalancer interface {
	register(*serverLoop)
	next(net.Addr) *serverLoop
	iterate(func(int, *serverLoop) bool)
	len() int
}

// roundRobinLoadBalancer 轮询负载均衡
type roundRobinLoadBalancer struct {
	nextIndex   int
	serverLoops []*serverLoop
	size        int
}

// leastConnectionsLoadBalancer 最少连接负载均衡
type leastConnectionsLoadBalancer struct {
	serverLoops []*serverLoop
	size        int
}

// sourceAddrHashLoadBalancer hash负载均衡
type sourceAddrHashLoadBalancer struct {
	serverLoops []*serverLoop
	size        int
}

// ==================================== 轮询负载均衡接口实现 ====================================
func (lb *roundRobinLoadBalancer) register(sl *serverLoop) {
	sl.index = lb.size
	lb.serverLoops = append(lb.serverLoops, sl)
	lb.size++
}

// next 按Round-Robin返回下一个可用的连接loop
func (lb *roundRobinLoadBalancer) next(_ net.Addr) (sl *serverLoop) {
	sl = lb.serverLoops[lb.nextIndex]
	if lb.nextIndex++; lb.nextIndex >= lb.size {
		lb.nextIndex = 0
	}
	return
}

func (lb *roundRobinLoadBalancer) iterate(f func(int, *serverLoop) bool) {
	for i, sl := range lb.serverLoops {
		if !f(i, sl) {
			break
		}
	}
}

func (lb *roundRobinLoadBalancer) len() int {
	return lb.size
}

// ================================= 最小连接负载均衡接口实现 =================================
func (lb *leastConnectionsLoadBalancer) min() (sl *serverLoop) {
	sl = lb.serverLoops[0]
	minN := sl.connCount.Load()
	for _, v := range lb.serverLoops[1:] {
		if n := v.connCount.Load(); n < minN {
			minN = n
			sl = v
		}
	}
	return
}

func (lb *leastConnectionsLoadBalancer) register(sl *serverLoop) {
	sl.index = lb.size
	lb.serverLoops = append(lb.serverLoops, sl)
	lb.size++
}

// next 返回当前连接数最少的loop
func (lb *leastConnectionsLoadBalancer) next(_ net.Addr) *serverLoop {
	return lb.min()
}

func (lb *leastConnectionsLoadBalancer) iterate(f func(int, *serverLoop) bool) {
	for i, sl := range lb.serverLoops {
		if !f(i, sl) {
			break
		}
	}
}

func (lb *leastConnectionsLoadBalancer) len() int {
	return lb.size
}

// ======================================= 哈希负载均衡接口实现 ========================================
func (lb *sourceAddrHashLoadBalancer) register(sl *serverLoop) {
	sl.index = lb.size
	lb.serverLoops = append(lb.serverLoops, sl)
	lb.size++
}

// hash 算hash值
func (lb *sourceAddrHashLoadBalancer) hash(s string) int {
	v := int(crc32.ChecksumIEEE([]byte(s)))
	if v >= 0 {
		return v
	}
	return -v
}

func (lb *sourceAddrHashLoadBalancer) next(netAddr net.Addr) *serverLoop {
	hashCode := lb.hash(netAddr.String())
	return lb.serverLoops[hashCode%lb.size]
}

func (lb *sourceAddrHashLoadBalancer) iterate(f func(int, *serverLoop) bool) {
	for i, sl := range lb.serverLoops {
		if !f(i, sl) {
			break
		}
	}
}

func (lb *sourceAddrHashLoadBalancer) len() int {
	return lb.size
}
