package socket

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

func TestTCPListenSocketAssignsPort(t *testing.T) {
	fd, addr, err := TCPListenSocket("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)

	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		t.Fatalf("addr type %T, want *net.TCPAddr", addr)
	}
	if tcpAddr.Port == 0 {
		t.Error("listen on port 0 must report the kernel-assigned port")
	}
}

// 自连接：套接字先bind拿到端口，再connect到这个端口，
// TCP同时打开会让它连上自己
func TestIsSelfConnect(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)

	sa := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, sa); err != nil {
		t.Fatal(err)
	}
	lsa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatal(err)
	}
	port := lsa.(*unix.SockaddrInet4).Port

	if err := unix.Connect(fd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatal(err)
	}
	if !IsSelfConnect(fd) {
		t.Error("socket connected to its own port must be reported as self-connect")
	}
}

func TestIsSelfConnectNormalConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)

	port := ln.Addr().(*net.TCPAddr).Port
	if err := unix.Connect(fd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatal(err)
	}
	if IsSelfConnect(fd) {
		t.Error("normal loopback connection reported as self-connect")
	}
}

func TestSocketErrorCleanSocket(t *testing.T) {
	fd, err := TCPSocket()
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)

	errno, err := SocketError(fd)
	if err != nil {
		t.Fatal(err)
	}
	if errno != 0 {
		t.Errorf("SO_ERROR = %d on a fresh socket, want 0", errno)
	}
}

func TestGetTCPSockAddr(t *testing.T) {
	sa, tcpAddr, err := GetTCPSockAddr("127.0.0.1:8080")
	if err != nil {
		t.Fatal(err)
	}
	if sa.Port != 8080 || tcpAddr.Port != 8080 {
		t.Errorf("port = %d/%d, want 8080", sa.Port, tcpAddr.Port)
	}
	if sa.Addr != [4]byte{127, 0, 0, 1} {
		t.Errorf("addr = %v", sa.Addr)
	}

	if _, _, err := GetTCPSockAddr("[::1]:8080"); err == nil {
		t.Error("IPv6 address must be rejected")
	}
}

func TestListenerBacklogMaxSize(t *testing.T) {
	if n := ListenerBacklogMaxSize(); n <= 0 {
		t.Errorf("backlog = %d, want positive", n)
	}
}

func TestSockaddrToTCPAddr(t *testing.T) {
	sa := &unix.SockaddrInet4{Port: 4242, Addr: [4]byte{10, 0, 0, 1}}
	addr := SockaddrToTCPAddr(sa)
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		t.Fatalf("addr type %T", addr)
	}
	if tcpAddr.Port != 4242 || !tcpAddr.IP.Equal(net.IPv4(10, 0, 0, 1)) {
		t.Errorf("addr = %v", tcpAddr)
	}
}
