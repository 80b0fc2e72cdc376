package io

import "golang.org/x/sys/unix"

// Writev 封装writev接口，把多段数据一次写出
func Writev(fd int, iov [][]byte) (int, error) {
	if len(iov) == 0 {
		return 0, nil
	}
	if len(iov) == 1 {
		return unix.Write(fd, iov[0])
	}
	return unix.Writev(fd, iov)
}

// Readv 封装readv接口
func Readv(fd int, iov [][]byte) (int, error) {
	if len(iov) == 0 {
		return 0, nil
	}
	return unix.Readv(fd, iov)
}
