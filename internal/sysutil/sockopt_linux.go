package sysutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReusePortSupported reports whether independent listeners may share a
// port with SO_REUSEPORT.
const ReusePortSupported = true

// SetReusePort sets SO_REUSEADDR and SO_REUSEPORT on a socket before
// bind. Meant for net.ListenConfig.Control.
func SetReusePort(rawConn syscall.RawConn) (err error) {
	cerr := rawConn.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return
		}
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if cerr != nil {
		return cerr
	}
	return
}

// SetCork toggles TCP_CORK. While corked, partial frames are held back
// until uncorked.
func SetCork(rawConn syscall.RawConn, on bool) (err error) {
	v := 0
	if on {
		v = 1
	}
	cerr := rawConn.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_CORK, v)
	})
	if cerr != nil {
		return cerr
	}
	return
}

func onlineCPUs() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0
	}
	return set.Count()
}
