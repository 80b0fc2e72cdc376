package socket

import (
	"bufio"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

type FD = int

var ipv4InIPv6Prefix = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff}

// 监听端口的连接队列和半连接队列长度
var listenerBacklogMaxSize = ListenerBacklogMaxSize()

// ListenerBacklogMaxSize 获取服务器配置
func ListenerBacklogMaxSize() int {
	fd, err := os.Open("/proc/sys/net/core/somaxconn")
	if err != nil {
		return unix.SOMAXCONN
	}
	defer fd.Close()

	rd := bufio.NewReader(fd)
	line, err := rd.ReadString('\n')
	if err != nil {
		return unix.SOMAXCONN
	}

	f := strings.Fields(line)
	if len(f) < 1 {
		return unix.SOMAXCONN
	}

	n, err := strconv.Atoi(f[0])
	if err != nil || n == 0 {
		return unix.SOMAXCONN
	}
	return n
}

// SocketOption 设置套接字选项
type SocketOption struct {
	SetSockOpt func(int, int) error
	Opt        int
}

// TCPSocket 新建一个非阻塞、CLOEXEC的TCP套接字，不绑定地址
func TCPSocket() (FD, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

// TCPListenSocket 新建一个监听套接字
func TCPListenSocket(addr string, sockOpts ...SocketOption) (fd FD, netAddr net.Addr, err error) {
	sa, netAddr, err := GetTCPSockAddr(addr)
	if err != nil {
		return
	}

	if fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP); err != nil {
		err = os.NewSyscallError("socket", err)
		return
	}

	for _, sockOpt := range sockOpts {
		if err = sockOpt.SetSockOpt(fd, sockOpt.Opt); err != nil {
			_ = unix.Close(fd)
			return
		}
	}

	if err = os.NewSyscallError("bind", unix.Bind(fd, sa)); err != nil {
		_ = unix.Close(fd)
		return
	}

	if err = os.NewSyscallError("listen", unix.Listen(fd, listenerBacklogMaxSize)); err != nil {
		_ = unix.Close(fd)
		return
	}

	// 绑定到端口0时要回读内核分配的端口
	if lsa, e := unix.Getsockname(fd); e == nil {
		netAddr = SockaddrToTCPAddr(lsa)
	}

	return fd, netAddr, nil
}

// Accept 用accept4一步拿到非阻塞、CLOEXEC的新连接，
// 避免accept之后再fcntl之间的竞态
func Accept(fd FD) (FD, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return nfd, sa, nil
}

// IsFatalAcceptError 区分accept的暂时性错误和致命错误。
// 暂时性错误记日志后继续循环，致命错误说明程序或系统已经不可用。
func IsFatalAcceptError(err error) bool {
	switch err {
	case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED, unix.EPROTO, unix.EPERM, unix.EMFILE:
		return false
	case unix.EBADF, unix.EFAULT, unix.EINVAL, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM, unix.ENOTSOCK, unix.EOPNOTSUPP:
		return true
	}
	return true
}

// Connect 向指定地址发起非阻塞连接，EINPROGRESS由调用方处理
func Connect(fd FD, addr string) error {
	sa, _, err := GetTCPSockAddr(addr)
	if err != nil {
		return err
	}
	return unix.Connect(fd, sa)
}

// SocketError 读取SO_ERROR，用于诊断非阻塞connect的完成状态。
// 返回0表示没有错误。
func SocketError(fd FD) (int, error) {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0, os.NewSyscallError("getsockopt", err)
	}
	return v, nil
}

// IsSelfConnect 判断套接字是否连接到了自己（TCP同时打开，
// 客户端临时端口恰好等于目标端口时出现）。核心不拒绝这种连接，
// 由连接层决定断开重试。
func IsSelfConnect(fd FD) bool {
	lsa, err := unix.Getsockname(fd)
	if err != nil {
		return false
	}
	rsa, err := unix.Getpeername(fd)
	if err != nil {
		return false
	}

	switch local := lsa.(type) {
	case *unix.SockaddrInet4:
		remote, ok := rsa.(*unix.SockaddrInet4)
		return ok && local.Port == remote.Port && local.Addr == remote.Addr
	case *unix.SockaddrInet6:
		remote, ok := rsa.(*unix.SockaddrInet6)
		return ok && local.Port == remote.Port && local.Addr == remote.Addr
	}
	return false
}

// GetTCPSockAddr 解析地址成unix.Sockaddr，只支持IPv4
func GetTCPSockAddr(addr string) (sa *unix.SockaddrInet4, tcpAddr *net.TCPAddr, err error) {
	tcpAddr, err = net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return
	}

	if len(tcpAddr.IP) == 0 {
		tcpAddr.IP = net.IPv4zero
	}
	ip4 := tcpAddr.IP.To4()
	if ip4 == nil {
		return &unix.SockaddrInet4{}, tcpAddr, &net.AddrError{Err: "non-IPv4 address", Addr: tcpAddr.IP.String()}
	}

	addr4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(addr4.Addr[:], ip4)

	return addr4, tcpAddr, nil
}

// SockaddrToTCPAddr 把SockAddr转换为TCPAddr
func SockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := sockaddrInet4ToIP(sa)
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make([]byte, 16)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	}
	return nil
}

// LocalAddr 获取套接字的本地地址
func LocalAddr(fd FD) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return SockaddrToTCPAddr(sa)
}

// RemoteAddr 获取套接字的对端地址
func RemoteAddr(fd FD) net.Addr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return SockaddrToTCPAddr(sa)
}

// 把SockaddrInet4转换成net.IP
func sockaddrInet4ToIP(sa *unix.SockaddrInet4) net.IP {
	ip := make([]byte, 16)
	copy(ip[0:12], ipv4InIPv6Prefix)
	copy(ip[12:16], sa.Addr[:])
	return ip
}

// SetKeepAlivePeriod 设置长连接keep-alive
func SetKeepAlivePeriod(fd, secs int) error {
	if secs <= 0 {
		return errors.New("invalid time duration")
	}
	// 开启keepalive机制
	if err := os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)); err != nil {
		return err
	}
	// 在tcp_keepalive_time之后，没有接收到对方确认，继续发送保活探测包的发送频率
	if err := os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs)); err != nil {
		return err
	}
	// 最后一次数据交换到TCP发送第一个保活探测包的间隔
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs))
}

// SetNoDelay 是否开启nagel算法，如果要提高吞吐量，则设置noDelay=0，如果要强调数据的实时性，则设置noDelay=1
func SetNoDelay(fd, noDelay int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, noDelay))
}

// SetRecvBuffer 设置套接字的接收缓冲区
func SetRecvBuffer(fd, size int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
}

// SetSendBuffer 设置套接字的发送缓冲区
func SetSendBuffer(fd, size int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
}

// SetReusePort 开启端口复用，多个监听套接字可以绑定同一个端口
func SetReusePort(fd, reusePort int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, reusePort))
}

// SetReuseAddr 开启地址复用，在time_wait等待期间依然可以监听地址端口
func SetReuseAddr(fd, reuseAddr int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, reuseAddr))
}
