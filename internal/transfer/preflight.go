package transfer

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
)

// DiskReserveBytes is held back above totalSize on every preflight check
// (spec §4.G preflight).
const DiskReserveBytes = 100 * 1024 * 1024

var unsafeFilenameChars = regexp.MustCompile(`[/\\:*?"<>|\x00-\x1f]`)

// maxFilenameLength is the cap applied by SanitizeFilename (spec §4.G preflight).
const maxFilenameLength = 255

// SanitizeFilename strips path separators and control characters so a
// peer-supplied filename can never escape the download directory, de-hides
// a leading dot so the saved file never becomes a dotfile, and caps the
// result at 255 characters (spec §4.G preflight).
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		name = "download"
	}
	if strings.HasPrefix(name, ".") {
		name = "_" + name
	}
	if len(name) > maxFilenameLength {
		name = name[:maxFilenameLength]
	}
	return name
}

// CheckDiskSpace reports whether the filesystem containing dir has at
// least totalSize+reserveBytes free (spec §4.G preflight, spec §6
// min_free_space_bytes). reserveBytes <= 0 falls back to DiskReserveBytes.
func CheckDiskSpace(dir string, totalSize, reserveBytes int64) error {
	if reserveBytes <= 0 {
		reserveBytes = DiskReserveBytes
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	needed := totalSize + reserveBytes
	if free < needed {
		return fmt.Errorf("insufficient disk space: need %d bytes, have %d free", needed, free)
	}
	return nil
}
