// Package dirindex parses and serializes the per-directory .dirindex
// manifest described in spec.md §3/§6: a line-oriented text file naming the
// authoritative contents of one remote directory.
package dirindex

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/terrasync/reposync/internal/fs"
)

// ChildType identifies what a ChildInfo line described.
type ChildType int

const (
	// File is a regular, content-addressed file ("f:" lines).
	File ChildType = iota
	// Dir is a subdirectory, itself fronted by its own .dirindex ("d:" lines).
	Dir
	// Tarball is a file that, once verified, is unpacked in place ("t:" lines).
	Tarball
)

func (t ChildType) String() string {
	switch t {
	case File:
		return "file"
	case Dir:
		return "dir"
	case Tarball:
		return "tarball"
	default:
		return "unknown"
	}
}

// ChildInfo is one parsed, validated line of a DirIndex.
type ChildInfo struct {
	Type         ChildType
	Name         string
	ExpectedHash string
	ExpectedSize uint64
	HasSize      bool
}

// AbsPath returns the on-disk path this child is expected to occupy,
// relative to the owning directory's absolute path.
func (c ChildInfo) AbsPath(dirAbsPath fs.AbsolutePath) fs.AbsolutePath {
	return dirAbsPath.Join(c.Name)
}

// SupportedVersion is the only "version:" value this parser accepts.
const SupportedVersion = "1"

// ErrUnsupportedVersion is returned when the index's version line names a
// version this parser doesn't understand.
var ErrUnsupportedVersion = errors.New("unsupported dirindex version")

// ErrMissingVersion is returned when no version line precedes the first
// child entry.
var ErrMissingVersion = errors.New("dirindex missing version line")

// Index is the parsed representation of one .dirindex file: its declared
// version plus its ordered-by-name children.
type Index struct {
	Version  string
	Children []ChildInfo
}

// Parse reads a .dirindex body and returns its children sorted by name, per
// spec §3 ("Children are kept sorted by name"). Malformed lines are skipped
// with a warning rather than aborting the whole parse, matching the
// tolerant-parsing behavior spec.md prescribes for both .dirindex and
// .hashes.
func Parse(body []byte, logger hclog.Logger) (*Index, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	idx := &Index{}
	sawVersion := false

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, ":", 4)
		kind := fields[0]
		switch kind {
		case "version":
			if len(fields) < 2 {
				logger.Warn("dirindex: malformed version line", "line", lineNo)
				continue
			}
			idx.Version = fields[1]
			sawVersion = true
			if idx.Version != SupportedVersion {
				return nil, errors.Wrapf(ErrUnsupportedVersion, "got %q at line %d", idx.Version, lineNo)
			}
		case "path", "time":
			// Informational; intentionally ignored.
			continue
		case "f", "d", "t":
			if !sawVersion {
				return nil, errors.Wrapf(ErrMissingVersion, "line %d", lineNo)
			}
			child, ok := parseChildLine(kind, fields, logger, lineNo)
			if !ok {
				continue
			}
			idx.Children = append(idx.Children, child)
		default:
			logger.Warn("dirindex: unknown line type, ignoring", "type", kind, "line", lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning dirindex")
	}
	if !sawVersion {
		return nil, ErrMissingVersion
	}

	sort.Slice(idx.Children, func(i, j int) bool { return idx.Children[i].Name < idx.Children[j].Name })
	return idx, nil
}

func parseChildLine(kind string, fields []string, logger hclog.Logger, lineNo int) (ChildInfo, bool) {
	if len(fields) < 3 {
		logger.Warn("dirindex: line missing name/hash", "line", lineNo)
		return ChildInfo{}, false
	}
	name := fields[1]
	if fs.RejectsEntryName(name) {
		logger.Warn("dirindex: rejecting unsafe child name", "name", name, "line", lineNo)
		return ChildInfo{}, false
	}
	hash := fields[2]

	var childType ChildType
	switch kind {
	case "f":
		childType = File
	case "d":
		childType = Dir
	case "t":
		childType = Tarball
	}

	child := ChildInfo{Type: childType, Name: name, ExpectedHash: hash}
	if len(fields) == 4 && fields[3] != "" {
		size, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			logger.Warn("dirindex: malformed size, ignoring size field", "name", name, "line", lineNo)
		} else {
			child.ExpectedSize = size
			child.HasSize = true
		}
	}
	return child, true
}

// Format serializes idx back into the wire format described in spec §6.
// Children are written in their current (sorted) order.
func Format(idx *Index) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "version:%s\n", idx.Version)
	for _, c := range idx.Children {
		var kind string
		switch c.Type {
		case File:
			kind = "f"
		case Dir:
			kind = "d"
		case Tarball:
			kind = "t"
		}
		if c.HasSize {
			fmt.Fprintf(&buf, "%s:%s:%s:%d\n", kind, c.Name, c.ExpectedHash, c.ExpectedSize)
		} else {
			fmt.Fprintf(&buf, "%s:%s:%s\n", kind, c.Name, c.ExpectedHash)
		}
	}
	return buf.Bytes()
}

// Find returns the child named name, if any.
func (idx *Index) Find(name string) (ChildInfo, bool) {
	i := sort.Search(len(idx.Children), func(i int) bool { return idx.Children[i].Name >= name })
	if i < len(idx.Children) && idx.Children[i].Name == name {
		return idx.Children[i], true
	}
	return ChildInfo{}, false
}
