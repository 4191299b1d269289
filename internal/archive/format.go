package archive

import (
	"bytes"
	"compress/gzip"
	"io"
	"io/ioutil"
)

// Format is one of the archive container formats ArchiveExtractor can
// auto-detect, per spec.md §4.2.
type Format int

const (
	formatUndetermined Format = iota
	// FormatTar is a bare (uncompressed) ustar stream.
	FormatTar
	// FormatGzTar is a gzip-compressed ustar stream (".tgz"/".tar.gz").
	FormatGzTar
	// FormatXzTar is an xz-compressed ustar stream (".tar.xz").
	FormatXzTar
	// FormatZip is a PKZIP archive.
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatGzTar:
		return "gz-tar"
	case FormatXzTar:
		return "xz-tar"
	case FormatZip:
		return "zip"
	default:
		return "undetermined"
	}
}

var (
	zipMagic = []byte{'P', 'K', 0x03, 0x04}
	xzMagic  = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}
	gzMagic  = []byte{0x1F, 0x8B}
)

// ustarHeaderSize is the size of one tar header block; the "ustar" magic
// lives at offset 257 within it.
const ustarHeaderSize = 512

const ustarMagicOffset = 257

// detectOutcome is the result of one detection attempt over the buffered
// prefix accumulated so far.
type detectOutcome int

const (
	detectInsufficientData detectOutcome = iota
	detectRecognized
	detectInvalid
)

// detectFormat inspects prebuffer per the table in spec.md §4.2 and reports
// whether it recognizes a format yet, needs more bytes, or has already seen
// enough to know the input is not a supported archive.
func detectFormat(prebuffer []byte) (Format, detectOutcome) {
	if len(prebuffer) >= len(zipMagic) && bytes.Equal(prebuffer[:len(zipMagic)], zipMagic) {
		return FormatZip, detectRecognized
	}
	if len(prebuffer) >= len(xzMagic) && bytes.Equal(prebuffer[:len(xzMagic)], xzMagic) {
		return FormatXzTar, detectRecognized
	}
	if len(prebuffer) >= 2 && bytes.Equal(prebuffer[:2], gzMagic) {
		return detectGzTar(prebuffer)
	}

	// None of the distinctive short magics matched. A bare tar needs a full
	// 512-byte header before we can check the ustar magic, so until we have
	// one we simply don't know yet whether this is tar or garbage.
	if len(prebuffer) < ustarHeaderSize {
		return formatUndetermined, detectInsufficientData
	}
	if bytes.Equal(prebuffer[ustarMagicOffset:ustarMagicOffset+5], []byte("ustar")) {
		return FormatTar, detectRecognized
	}
	return formatUndetermined, detectInvalid
}

// detectGzTar attempts to inflate enough of the gzip stream to see whether
// the decompressed bytes carry a ustar header, per spec.md's Gz detection
// rule. It returns detectInsufficientData if the buffered compressed bytes
// don't yet decompress to 512 bytes, without treating that as an error —
// more compressed input may still arrive.
func detectGzTar(prebuffer []byte) (Format, detectOutcome) {
	gz, err := gzip.NewReader(bytes.NewReader(prebuffer))
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return formatUndetermined, detectInsufficientData
		}
		return formatUndetermined, detectInvalid
	}
	defer gz.Close()

	decoded, err := ioutil.ReadAll(io.LimitReader(gz, ustarHeaderSize))
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return formatUndetermined, detectInvalid
	}
	if len(decoded) < ustarHeaderSize {
		return formatUndetermined, detectInsufficientData
	}
	if bytes.Equal(decoded[ustarMagicOffset:ustarMagicOffset+5], []byte("ustar")) {
		return FormatGzTar, detectRecognized
	}
	return formatUndetermined, detectInvalid
}

