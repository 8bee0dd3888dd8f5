//go:build windows

package filetransfer

import (
	"os"
	"strings"

	"golang.org/x/sys/windows"
)

func isHidden(path string, info os.FileInfo) bool {
	if strings.HasPrefix(info.Name(), ".") {
		return true
	}
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return false
	}
	return attrs&windows.FILE_ATTRIBUTE_HIDDEN != 0
}

func accessFor(path string) (readable, writable bool) {
	info, err := os.Stat(path)
	if err != nil {
		return false, false
	}
	return true, info.Mode().Perm()&0o200 != 0
}
