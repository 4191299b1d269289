package fs

import (
	"fmt"
	"io/fs"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/yookoala/realpath"
)

// DirPermissions is the default mode used when this package creates directories.
const DirPermissions = os.FileMode(0755)

// AbsolutePath represents a platform-dependent absolute path on the filesystem,
// and is used to enforce correct path manipulation across the synchronizer.
type AbsolutePath string

// CheckedToAbsolutePath converts s to an AbsolutePath, failing if s isn't absolute.
func CheckedToAbsolutePath(s string) (AbsolutePath, error) {
	if filepath.IsAbs(s) {
		return AbsolutePath(s), nil
	}
	return "", fmt.Errorf("%v is not an absolute path", s)
}

// UnsafeToAbsolutePath wraps s without checking that it is actually absolute.
func UnsafeToAbsolutePath(s string) AbsolutePath {
	return AbsolutePath(s)
}

// GetCwd returns the current working directory as an AbsolutePath.
func GetCwd() (AbsolutePath, error) {
	cwdRaw, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %w", err)
	}
	cwd, err := CheckedToAbsolutePath(cwdRaw)
	if err != nil {
		return "", fmt.Errorf("cwd is not an absolute path %v: %v", cwdRaw, err)
	}
	return cwd, nil
}

// ResolveRoot resolves symlinks in root and returns the canonical AbsolutePath.
// Path-safety checks (rejecting '..' and absolute entry names, see RejectsEntryName)
// are only meaningful once the root itself isn't hiding a symlink hop outside the tree.
func ResolveRoot(root AbsolutePath) (AbsolutePath, error) {
	resolved, err := realpath.Realpath(root.asString())
	if err != nil {
		return "", fmt.Errorf("resolving repository root %v: %w", root, err)
	}
	return AbsolutePath(resolved), nil
}

func (ap AbsolutePath) ToStringDuringMigration() string {
	return ap.asString()
}

func (ap AbsolutePath) ToString() string {
	return ap.asString()
}

func (ap AbsolutePath) Join(args ...string) AbsolutePath {
	return AbsolutePath(filepath.Join(ap.asString(), filepath.Join(args...)))
}

// JoinPOSIXPath appends a relative path in posix format ('/' seperator) to
// this absolute path, by first converting the input to a platform-dependent path
func (ap AbsolutePath) JoinPOSIXPath(posixPath string) AbsolutePath {
	return ap.Join(filepath.FromSlash(posixPath))
}

func (ap AbsolutePath) asString() string {
	return string(ap)
}
func (ap AbsolutePath) Dir() AbsolutePath {
	return AbsolutePath(filepath.Dir(ap.asString()))
}
func (ap AbsolutePath) Base() string {
	return filepath.Base(ap.asString())
}
func (ap AbsolutePath) Ext() string {
	return filepath.Ext(ap.asString())
}
func (ap AbsolutePath) MkdirAll() error {
	return os.MkdirAll(ap.asString(), DirPermissions)
}
func (ap AbsolutePath) Remove() error {
	return os.Remove(ap.asString())
}
func (ap AbsolutePath) RemoveAll() error {
	return os.RemoveAll(ap.asString())
}
func (ap AbsolutePath) Open() (*os.File, error) {
	return os.Open(ap.asString())
}

// OpenFile is the AbsolutePath implementation of os.OpenFile
func (ap AbsolutePath) OpenFile(flag int, mode fs.FileMode) (*os.File, error) {
	return os.OpenFile(ap.asString(), flag, mode)
}

func (ap AbsolutePath) ReadFile() ([]byte, error) {
	return ioutil.ReadFile(ap.asString())
}

// WriteFile is the AbsolutePath implementation of ioutil.WriteFile
func (ap AbsolutePath) WriteFile(bytes []byte, mode fs.FileMode) error {
	return ioutil.WriteFile(ap.asString(), bytes, mode)
}

// WriteFileAtomic writes bytes to ap by writing to a sibling temp file and
// renaming it into place, so a reader never observes a partial write.
func (ap AbsolutePath) WriteFileAtomic(bytes []byte, mode fs.FileMode) error {
	tmp := ap.Dir().Join("." + ap.Base() + ".tmp")
	if err := tmp.WriteFile(bytes, mode); err != nil {
		return err
	}
	return os.Rename(tmp.asString(), ap.asString())
}

func (ap AbsolutePath) FileExists() bool {
	return FileExists(ap.asString())
}
func (ap AbsolutePath) PathExists() bool {
	return PathExists(ap.asString())
}
func (ap AbsolutePath) EnsureDir() error {
	return EnsureDir(ap.asString())
}

// Lstat is the AbsolutePath implementation of os.Lstat
func (ap AbsolutePath) Lstat() (fs.FileInfo, error) {
	return os.Lstat(ap.asString())
}

// Stat is the AbsolutePath implementation of os.Stat
func (ap AbsolutePath) Stat() (fs.FileInfo, error) {
	return os.Stat(ap.asString())
}

// Readlink reads a link at this path, and returns the AbsolutePath for the target
func (ap AbsolutePath) Readlink() (AbsolutePath, error) {
	dest, err := os.Readlink(ap.asString())
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(dest) {
		return AbsolutePath(dest), nil
	}
	// We know the starting point, so if it's a relative path
	// we can join
	return ap.Dir().Join(dest), nil
}

// Symlink is the AbsolutePath implementation of os.Symlink
func (ap AbsolutePath) Symlink(linkName AbsolutePath) error {
	return os.Symlink(ap.asString(), linkName.asString())
}

// Link is the AbsolutePath implementation of os.Link
func (ap AbsolutePath) Link(to AbsolutePath) error {
	return os.Link(ap.asString(), to.asString())
}

// IsDirectory is the AbsolutePath implementation of fs.IsDirectory
func (ap AbsolutePath) IsDirectory() bool {
	return IsDirectory(ap.asString())
}

// RelativePathString returns the relative path from this AbsolutePath to another
// AbsolutePath as a string.
func (ap AbsolutePath) RelativePathString(to AbsolutePath) (string, error) {
	return filepath.Rel(ap.asString(), to.asString())
}

// FileExists reports whether path exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// PathExists reports whether anything exists at path.
func PathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// IsDirectory reports whether path exists and is a directory.
func IsDirectory(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// EnsureDir creates the parent directory of path if it doesn't already exist.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), DirPermissions)
}

// RejectsEntryName reports whether name is unsafe to use as a single path
// component taken from an untrusted .dirindex line: empty, equal to "." or
// "..", or containing a path separator.
func RejectsEntryName(name string) bool {
	if name == "" || name == ".." || name == "." {
		return true
	}
	return strings.ContainsAny(name, "/\\")
}

// RejectsArchivePath reports whether an archive-entry path is unsafe to
// extract, per the four-rule filter in spec §4.2: empty, absolute, or
// containing the substring ".." anywhere in the path.
func RejectsArchivePath(path string) bool {
	if path == "" {
		return true
	}
	if strings.HasPrefix(path, "/") {
		return true
	}
	return strings.Contains(path, "..")
}
