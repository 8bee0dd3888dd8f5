//go:build !windows

package filetransfer

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

func isHidden(path string, info os.FileInfo) bool {
	return strings.HasPrefix(info.Name(), ".")
}

// accessFor reports whether the agent process may read and write path.
func accessFor(path string) (readable, writable bool) {
	return unix.Access(path, unix.R_OK) == nil, unix.Access(path, unix.W_OK) == nil
}
