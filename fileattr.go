// fileattr.go: Ownership and permissions of created files
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strconv"
)

// lookupOwner resolves user and group names (or numeric ids) once, during
// New. An empty name leaves that id at -1, which os.Chown keeps unchanged.
func lookupOwner(owner, group string) (uid, gid int, err error) {
	uid, gid = -1, -1
	if runtime.GOOS == "windows" {
		return uid, gid, nil
	}
	if owner != "" {
		if n, convErr := strconv.Atoi(owner); convErr == nil {
			uid = n
		} else {
			u, err := user.Lookup(owner)
			if err != nil {
				return -1, -1, fmt.Errorf("user %q: %w", owner, err)
			}
			if uid, err = strconv.Atoi(u.Uid); err != nil {
				return -1, -1, fmt.Errorf("user %q has non-numeric uid %q", owner, u.Uid)
			}
			if group == "" {
				gid, _ = strconv.Atoi(u.Gid)
			}
		}
	}
	if group != "" {
		if n, convErr := strconv.Atoi(group); convErr == nil {
			gid = n
		} else {
			g, err := user.LookupGroup(group)
			if err != nil {
				return -1, -1, fmt.Errorf("group %q: %w", group, err)
			}
			if gid, err = strconv.Atoi(g.Gid); err != nil {
				return -1, -1, fmt.Errorf("group %q has non-numeric gid %q", group, g.Gid)
			}
		}
	}
	return uid, gid, nil
}

// applyAttributes sets mode and ownership on a newly created file. Failures
// are returned for reporting only; the file stays usable.
func applyAttributes(f *os.File, s *settings) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if s.chmod {
		if err := f.Chmod(s.mode); err != nil {
			return fmt.Errorf("chmod %s: %w", f.Name(), err)
		}
	}
	if s.uid >= 0 || s.gid >= 0 {
		if err := f.Chown(s.uid, s.gid); err != nil {
			return fmt.Errorf("chown %s: %w", f.Name(), err)
		}
	}
	return nil
}
