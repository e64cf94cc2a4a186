//go:build !linux

package sysutil

import "syscall"

const ReusePortSupported = false

func SetReusePort(rawConn syscall.RawConn) error {
	return ErrUnsupported
}

func SetCork(rawConn syscall.RawConn, on bool) error {
	return ErrUnsupported
}

func onlineCPUs() int {
	return 0
}
