//go:build !windows
// +build !windows

package storage

import (
	"errors"
	"os/user"
	"path/filepath"
	"syscall"

	"k8s.io/klog/v2"
)

func DefaultStorePath() string {
	if u, err := user.Current(); err == nil {
		return filepath.Join(u.HomeDir, ".solar-mgr")
	} else {
		klog.ErrorS(err, "Failed to get home dir")
		return "./.solar-mgr"
	}
}

func isEphemeralError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EWOULDBLOCK, syscall.EINTR:
			return true
		}
	}
	return false
}
