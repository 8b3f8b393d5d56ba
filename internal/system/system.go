// Package system hides the OS-facing calls made by the lifecycle driver:
// privilege drop, stdio redirection, and detaching from the terminal.
package system

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// ErrNotSuperuser is returned by DropPrivileges when the process cannot
// change its identity.
var ErrNotSuperuser = errors.New("privilege drop requires superuser")

// Calls is the set of process-level operations the lifecycle driver uses.
// Tests substitute a recorder.
type Calls interface {
	Getuid() int
	// DropPrivileges switches to the named user and group. Empty names
	// keep the current identity for that part.
	DropPrivileges(userName, groupName string) error
	// RedirectStreams reopens stdin, stdout, and stderr onto the given
	// paths. Empty paths are left alone.
	RedirectStreams(stdin, stdout, stderr string) error
	// Daemonize detaches the process from its controlling terminal.
	Daemonize() error
}

// OS implements Calls against the running process.
type OS struct{}

var _ Calls = OS{}

// Getuid returns the real user id.
func (OS) Getuid() int {
	return os.Getuid()
}

// DropPrivileges resolves names to ids and applies group then user.
func (OS) DropPrivileges(userName, groupName string) error {
	if os.Getuid() != 0 {
		return ErrNotSuperuser
	}

	uid, gid := -1, -1
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return fmt.Errorf("lookup user %q: %w", userName, err)
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return fmt.Errorf("user %q has non-numeric uid %q", userName, u.Uid)
		}
		if groupName == "" {
			if gid, err = strconv.Atoi(u.Gid); err != nil {
				return fmt.Errorf("user %q has non-numeric gid %q", userName, u.Gid)
			}
		}
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf("lookup group %q: %w", groupName, err)
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return fmt.Errorf("group %q has non-numeric gid %q", groupName, g.Gid)
		}
	}
	return setIDs(uid, gid)
}

// RedirectStreams opens each path and duplicates it over the standard
// descriptor. stdin is opened read-only, the others append.
func (OS) RedirectStreams(stdin, stdout, stderr string) error {
	targets := []struct {
		path  string
		fd    int
		flags int
	}{
		{stdin, 0, os.O_RDONLY},
		{stdout, 1, os.O_WRONLY | os.O_CREATE | os.O_APPEND},
		{stderr, 2, os.O_WRONLY | os.O_CREATE | os.O_APPEND},
	}
	for _, t := range targets {
		if t.path == "" {
			continue
		}
		//nolint:gosec // paths come from the operator's configuration
		f, err := os.OpenFile(t.path, t.flags, 0o640)
		if err != nil {
			return fmt.Errorf("open %s: %w", t.path, err)
		}
		err = dupOnto(int(f.Fd()), t.fd)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("redirect fd %d to %s: %w", t.fd, t.path, err)
		}
	}
	return nil
}

// Daemonize starts a new session and ignores SIGHUP. The Go runtime cannot
// fork safely, so the process stays in the foreground of its parent; run it
// under a supervisor that backgrounds it.
func (OS) Daemonize() error {
	return detach()
}
