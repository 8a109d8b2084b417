//go:build linux

package supervisor

import "golang.org/x/sys/unix"

// setChildSubreaper marks this process as a child subreaper so that
// orphaned descendants reparent to us instead of real PID 1. As actual
// PID 1 in a container the call is redundant but harmless.
func setChildSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}
