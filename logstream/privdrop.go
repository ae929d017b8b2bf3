//go:build !windows

package logstream

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// DropPrivileges switches the process to the named unprivileged user and
// group. Call it immediately after binding the privileged listen port.
func DropPrivileges(username, groupname string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("logstream: looking up user %s: %w", username, err)
	}

	gid, err := resolveGID(groupname, u)
	if err != nil {
		return err
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("logstream: parsing uid %s: %w", u.Uid, err)
	}

	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("logstream: setgid: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("logstream: setuid: %w", err)
	}
	return nil
}

func resolveGID(groupname string, u *user.User) (int, error) {
	if groupname == "" {
		return strconv.Atoi(u.Gid)
	}
	g, err := user.LookupGroup(groupname)
	if err != nil {
		return 0, fmt.Errorf("logstream: looking up group %s: %w", groupname, err)
	}
	return strconv.Atoi(g.Gid)
}
