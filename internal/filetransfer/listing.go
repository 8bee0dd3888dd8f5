package filetransfer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxListEntries = 5000

// listDirectory returns the entries of dir, directories first then by
// case-insensitive name. Symlinks report their target's type and size.
func listDirectory(dir string, includeHidden bool) ([]FileEntry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e, ok := buildFileEntry(dir, de)
		if !ok || (e.Hidden && !includeHidden) {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	if len(entries) > maxListEntries {
		entries = entries[:maxListEntries]
	}
	return entries, nil
}

func buildFileEntry(dir string, de os.DirEntry) (FileEntry, bool) {
	full := filepath.Join(dir, de.Name())
	linfo, err := de.Info()
	if err != nil {
		return FileEntry{}, false
	}

	info := linfo
	if linfo.Mode()&os.ModeSymlink != 0 {
		// Broken symlinks fall back to the link itself.
		if target, err := os.Stat(full); err == nil {
			info = target
		}
	}

	e := FileEntry{
		Name:        de.Name(),
		Path:        full,
		IsDirectory: info.IsDir(),
		Hidden:      isHidden(full, linfo),
	}
	if !e.IsDirectory {
		e.Size = uint64(info.Size())
		e.MimeType = DetectMimeType(e.Name)
	}
	if mod := info.ModTime().Unix(); mod > 0 {
		ts := uint64(mod)
		e.Modified = &ts
	}
	e.Readable, e.Writable = accessFor(full)
	return e, true
}
