//go:build linux

package system

import (
	"fmt"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

func setIDs(uid, gid int) error {
	if gid >= 0 {
		if err := unix.Setgroups([]int{gid}); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid %d: %w", gid, err)
		}
	}
	if uid >= 0 {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid %d: %w", uid, err)
		}
	}
	return nil
}

func dupOnto(oldfd, newfd int) error {
	return unix.Dup3(oldfd, newfd, 0)
}

func detach() error {
	signal.Ignore(syscall.SIGHUP)
	// Setsid fails with EPERM for a process group leader, which is the
	// common case when started from a shell; the SIGHUP mask still applies.
	if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
		return fmt.Errorf("setsid: %w", err)
	}
	return nil
}
