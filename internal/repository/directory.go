package repository

import (
	"io"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"

	"github.com/terrasync/reposync/internal/archive"
	"github.com/terrasync/reposync/internal/dirindex"
	"github.com/terrasync/reposync/internal/filterset"
	"github.com/terrasync/reposync/internal/fs"
	"github.com/terrasync/reposync/internal/resultcode"
)

// Directory is the in-memory model of one remote directory: its expected
// children (from the last parsed .dirindex) and the logic to reconcile
// those children against what's actually on disk. Directories are owned by
// the Repository's directory pool (spec.md §3) and looked up by relative
// path; relativePath == "" names the repository root.
type Directory struct {
	relativePath string
	repo         *Repository

	index        *dirindex.Index
	expectedHash string
}

func newDirectory(repo *Repository, relativePath string) *Directory {
	return &Directory{repo: repo, relativePath: relativePath}
}

// URL returns this directory's remote URL.
func (d *Directory) URL() string {
	if d.relativePath == "" {
		return d.repo.baseURL
	}
	return d.repo.baseURL + "/" + d.relativePath
}

// AbsolutePath returns this directory's local path.
func (d *Directory) AbsolutePath() fs.AbsolutePath {
	if d.relativePath == "" {
		return d.repo.root
	}
	return d.repo.root.JoinPOSIXPath(d.relativePath)
}

func (d *Directory) indexPath() fs.AbsolutePath {
	return d.AbsolutePath().Join(".dirindex")
}

// dirIndexUpdated is called once a freshly-downloaded .dirindex for this
// directory has been verified and (if changed) written to disk. It updates
// the hash cache entry for the index file itself, reparses children, and
// triggers the disk-reconciliation pass.
func (d *Directory) dirIndexUpdated(body []byte, hash string) error {
	idx, err := dirindex.Parse(body, d.repo.logger)
	if err != nil {
		return errors.Wrap(err, "parsing dirindex")
	}
	if err := d.repo.hashCache.UpdatedFileContents(d.indexPath(), hash); err != nil {
		d.repo.logger.Warn("updating hash cache for dirindex", "path", d.indexPath(), "error", err)
	}
	d.index = idx
	return d.updateChildrenBasedOnHash()
}

// updateChildrenBasedOnHash reconciles this directory's expected children
// against disk: merges from an optional installed copy, schedules updates
// for anything missing or hash-mismatched, recurses into subdirectories
// that are already current, and deletes orphans.
func (d *Directory) updateChildrenBasedOnHash() error {
	if d.index == nil {
		return nil
	}

	abs := d.AbsolutePath()
	if err := abs.MkdirAll(); err != nil {
		return errors.Wrap(err, "creating directory")
	}

	d.mergeFromInstalledCopy()

	onDiskNames, err := fs.ListDirEntries(abs)
	if err != nil {
		return errors.Wrap(err, "listing directory")
	}
	orphans := mapset.NewSet()
	for _, name := range onDiskNames {
		orphans.Add(name)
	}
	orphans.Remove(".dirindex")
	orphans.Remove(".hashes")
	orphans.Remove(".reposync.lock")

	for _, child := range d.index.Children {
		orphans.Remove(child.Name)
		d.reconcileChild(child)
	}

	for _, raw := range orphans.ToSlice() {
		name := raw.(string)
		relPath := joinRel(d.relativePath, name)
		if decision, _ := filterset.Decide(d.repo.filter, relPath); decision == filterset.Skipped {
			continue
		}
		target := abs.Join(name)
		if err := target.RemoveAll(); err != nil {
			d.repo.logger.Warn("removing orphan", "path", target, "error", err)
		}
	}
	return nil
}

func (d *Directory) reconcileChild(child dirindex.ChildInfo) {
	abs := d.AbsolutePath()
	childAbs := abs.Join(child.Name)

	switch child.Type {
	case dirindex.File, dirindex.Tarball:
		if d.childNeedsUpdate(childAbs, child.ExpectedHash) {
			d.repo.enqueueChildUpdate(d, child)
		}
	case dirindex.Dir:
		childRel := joinRel(d.relativePath, child.Name)
		idxPath := childAbs.Join(".dirindex")
		childDir := d.repo.directoryFor(childRel)
		childDir.expectedHash = child.ExpectedHash

		if d.childNeedsUpdate(idxPath, child.ExpectedHash) {
			d.repo.enqueueChildUpdate(d, child)
			return
		}
		if childDir.index == nil {
			d.loadIndexFromDisk(childDir, idxPath)
		}
		if err := childDir.updateChildrenBasedOnHash(); err != nil {
			d.repo.logger.Warn("refreshing unchanged subdirectory", "path", childRel, "error", err)
		}
	}
}

func (d *Directory) childNeedsUpdate(path fs.AbsolutePath, expectedHash string) bool {
	if !path.FileExists() {
		return true
	}
	hash, err := d.repo.hashCache.HashForPath(path)
	return err != nil || hash != expectedHash
}

// loadIndexFromDisk parses a subdirectory's on-disk .dirindex so an
// unchanged subtree can still be recursed into without a network round
// trip, per spec.md §4.3's "match -> ... recurse" rule.
func (d *Directory) loadIndexFromDisk(dir *Directory, idxPath fs.AbsolutePath) {
	body, err := idxPath.ReadFile()
	if err != nil {
		d.repo.logger.Warn("reading unchanged subdirectory index", "path", idxPath, "error", err)
		return
	}
	idx, err := dirindex.Parse(body, d.repo.logger)
	if err != nil {
		d.repo.logger.Warn("parsing unchanged subdirectory index", "path", idxPath, "error", err)
		return
	}
	dir.index = idx
}

// mergeFromInstalledCopy best-effort-copies any child that exists in the
// optional secondary local tree but not yet in this directory, before the
// network diff runs.
func (d *Directory) mergeFromInstalledCopy() {
	if d.index == nil || d.repo.installedCopyPath == "" {
		return
	}
	srcDir := d.repo.installedCopyPath.JoinPOSIXPath(d.relativePath)
	for _, child := range d.index.Children {
		destAbs := d.AbsolutePath().Join(child.Name)
		if destAbs.PathExists() {
			continue
		}
		srcAbs := srcDir.Join(child.Name)
		if !srcAbs.PathExists() {
			continue
		}
		if child.Type == dirindex.Dir {
			if err := fs.RecursiveCopy(srcAbs.ToString(), destAbs.ToString(), fs.DirPermissions); err != nil {
				d.repo.logger.Warn("installed-copy merge failed", "path", destAbs, "error", err)
			}
			continue
		}
		if err := fs.CopyFile(srcAbs.ToString(), destAbs.ToString(), 0644); err != nil {
			d.repo.logger.Warn("installed-copy merge failed", "path", destAbs, "error", err)
		}
	}
}

// didUpdateFile handles a successfully-downloaded file's completion: a
// hash mismatch escalates (spec.md §4.5), a match updates the hash cache,
// the repository's byte counter, and extracts an archive leaf if the name
// carries a recognized extension.
func (d *Directory) didUpdateFile(name, actualHash string, sz int64) {
	child, ok := d.findChild(name)
	if !ok {
		d.repo.logger.Warn("completed file is no longer in the index", "name", name, "dir", d.relativePath)
		return
	}
	if actualHash != child.ExpectedHash {
		d.repo.escalateChecksumFailure(joinRel(d.relativePath, name))
		return
	}

	abs := d.AbsolutePath().Join(name)
	if err := d.repo.hashCache.UpdatedFileContents(abs, actualHash); err != nil {
		d.repo.logger.Warn("updating hash cache", "path", abs, "error", err)
	}
	d.repo.addBytesDownloaded(sz)

	if isArchiveLeaf(name) {
		d.extractArchive(abs, name)
	}
}

// didFailToUpdateFile records a per-file failure against this directory.
func (d *Directory) didFailToUpdateFile(name string, code *resultcode.Code) {
	d.repo.reportFileFailure(joinRel(d.relativePath, name), code)
}

func (d *Directory) findChild(name string) (dirindex.ChildInfo, bool) {
	if d.index == nil {
		return dirindex.ChildInfo{}, false
	}
	return d.index.Find(name)
}

// isArchiveLeaf reports whether name carries one of the extensions
// spec.md §4.3 names as triggering extraction after a successful download.
func isArchiveLeaf(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tgz", ".zip":
		return true
	default:
		return false
	}
}

func (d *Directory) extractArchive(abs fs.AbsolutePath, name string) {
	relPath := joinRel(d.relativePath, name)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	destDir := d.AbsolutePath().Join(stem)

	if destDir.PathExists() {
		if err := destDir.RemoveAll(); err != nil {
			d.repo.logger.Warn("clearing previous archive extraction", "path", destDir, "error", err)
			d.repo.reportFileFailure(relPath, resultcode.IO)
			return
		}
	}

	f, err := abs.Open()
	if err != nil {
		d.repo.reportFileFailure(relPath, resultcode.IO)
		return
	}
	defer f.Close()

	extractor := archive.New(d.AbsolutePath(), d.repo.logger, d.repo.filter)
	buf := make([]byte, 64*1024)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := extractor.ExtractBytes(buf[:n]); err != nil {
				d.repo.logger.Warn("extracting archive", "path", abs, "error", err)
				d.repo.reportFileFailure(relPath, resultcode.IO)
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			d.repo.reportFileFailure(relPath, resultcode.IO)
			return
		}
	}
	if err := extractor.Flush(); err != nil {
		d.repo.logger.Warn("flushing archive extractor", "path", abs, "error", err)
		d.repo.reportFileFailure(relPath, resultcode.IO)
	}
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
