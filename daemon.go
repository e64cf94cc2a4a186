package h2engine

import (
	"os"

	"github.com/imroc/h2engine/internal/sysutil"
)

const daemonEnv = "H2ENGINE_DAEMON"

// Daemonize executes the running program again, detached into its own
// session with stdio on the null device. It returns true in the calling
// process, which should then exit, and false in the daemon.
func Daemonize() (bool, error) {
	if os.Getenv(daemonEnv) != "" {
		return false, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return false, err
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	defer devNull.Close()
	p, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   append(os.Environ(), daemonEnv+"=1"),
		Files: []*os.File{devNull, devNull, devNull},
		Sys:   sysutil.DaemonSysAttr(),
	})
	if err != nil {
		return false, err
	}
	return true, p.Release()
}
