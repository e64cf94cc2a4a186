package h2engine

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"

	"github.com/imroc/h2engine/internal/sysutil"
)

var ErrRunAsRoot = errors.New("h2engine: could not run with root, set RunUser to an unprivileged user")

// setRunUser drops root privileges to runUser once the port is bound.
func setRunUser(runUser string, log Logger) error {
	cur := sysutil.Getuid()
	if runUser == "" {
		if cur != 0 {
			log.Warnf("RunUser is not set, running with uid=%d", cur)
			return nil
		}
		return ErrRunAsRoot
	}
	u, err := user.Lookup(runUser)
	if err != nil {
		return fmt.Errorf("h2engine: run user %q: %w", runUser, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("h2engine: run user %q has no numeric uid: %w", runUser, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("h2engine: run user %q has no numeric gid: %w", runUser, err)
	}
	if uid == 0 {
		return ErrRunAsRoot
	}
	if err := sysutil.SetUser(uid, gid); err != nil {
		return fmt.Errorf("h2engine: could not set user %s (start the server as root first): %w", runUser, err)
	}
	return nil
}

// tuneRlimit raises RLIMIT_NOFILE to n. Only root may do so; n == 0
// keeps the inherited limit.
func tuneRlimit(n uint64, log Logger) error {
	if n == 0 {
		return nil
	}
	if sysutil.Getuid() != 0 {
		log.Warnf("not tuning RLIMIT_NOFILE to %d, it needs root; privileges are dropped to RunUser afterwards", n)
		return nil
	}
	if err := sysutil.SetRlimitNofile(n); err != nil {
		return fmt.Errorf("h2engine: tune rlimit: %w", err)
	}
	return nil
}
