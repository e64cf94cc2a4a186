//go:build !unix

package sysutil

import "syscall"

func DaemonSysAttr() *syscall.SysProcAttr {
	return nil
}

func IgnoreSIGPIPE() {}

func Getuid() int {
	return -1
}

func SetUser(uid, gid int) error {
	return ErrUnsupported
}

func SetRlimitNofile(n uint64) error {
	return ErrUnsupported
}
