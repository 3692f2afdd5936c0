package mosaic

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/twinj/uuid"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
)

// TempPath returns a unique path in the same directory as dest so a later
// rename onto dest stays on one filesystem.
func TempPath(dest string) string {
	dir, base := filepath.Split(dest)
	return filepath.Join(dir, fmt.Sprintf(".%s.%x.tmp", base, uuid.NewV4().Bytes()))
}

// IsTempPath is true for paths created by TempPath.
func IsTempPath(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, ".tmp")
}

// WriteFileAtomic writes data to a temporary file next to dest, syncs it and
// renames it onto dest.  On any failure the temporary file is removed and
// dest is untouched.
func WriteFileAtomic(dest string, data []byte, perm os.FileMode) error {
	tmp := TempPath(dest)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return WrapError(WriteError, err, "creating %s", tmp)
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		os.Remove(tmp)
		return WrapError(WriteError, err, "writing %s", dest)
	}
	return nil
}

// FileExists is true if path names an existing regular file with at least one byte.
func FileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}
