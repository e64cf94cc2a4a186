//go:build unix

package sysutil

import (
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// DaemonSysAttr detaches a child process into its own session.
func DaemonSysAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}

// IgnoreSIGPIPE keeps writes to closed sockets from killing the process.
func IgnoreSIGPIPE() {
	signal.Ignore(syscall.SIGPIPE)
}

func Getuid() int {
	return unix.Getuid()
}

// SetUser switches the process to gid and then uid.
func SetUser(uid, gid int) error {
	if err := unix.Setgid(gid); err != nil {
		return err
	}
	return unix.Setuid(uid)
}

// SetRlimitNofile sets both the soft and hard RLIMIT_NOFILE to n.
func SetRlimitNofile(n uint64) error {
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: n, Max: n})
}
