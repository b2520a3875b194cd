// Package archive implements the output archiver (C11): bundling a
// finished volume's image directory into a single .tar or .tar.lz4
// artifact. Grounded in structure on the teacher's cmn/archive Writer
// abstraction, reworked around plain files instead of object-store readers.
package archive

import (
	"archive/tar"
	"io"
	"sort"
	"time"

	"github.com/pierrec/lz4/v3"

	"github.com/civm-dev/cs-reco/cmn"
)

// Compression selects the archive's container format.
type Compression string

const (
	Tar Compression = "tar"
	Lz4 Compression = "lz4"
)

// Writer wraps a tar stream, optionally lz4-compressed, matching the
// teacher's Write/Fini lifecycle.
type Writer interface {
	Write(nameInArch string, data []byte) error
	Fini() error
}

type tarWriter struct {
	tw *tar.Writer
}

func (w *tarWriter) Write(name string, data []byte) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(data)),
		Mode:     0o644,
		ModTime:  time.Unix(0, 0),
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := w.tw.Write(data)
	return err
}

func (w *tarWriter) Fini() error { return w.tw.Close() }

type lz4Writer struct {
	tw  tarWriter
	lzw *lz4.Writer
}

func (w *lz4Writer) Write(name string, data []byte) error { return w.tw.Write(name, data) }

func (w *lz4Writer) Fini() error {
	if err := w.tw.Fini(); err != nil {
		return err
	}
	return w.lzw.Close()
}

func newWriter(compression Compression, w io.Writer) Writer {
	switch compression {
	case Lz4:
		lzw := lz4.NewWriter(w)
		return &lz4Writer{tw: tarWriter{tw: tar.NewWriter(lzw)}, lzw: lzw}
	default:
		return &tarWriter{tw: tar.NewWriter(w)}
	}
}

var _ Writer = (*tarWriter)(nil)
var _ Writer = (*lz4Writer)(nil)

// Bundle writes a single archive at destPath containing headfilePath first
// and then every entry of slicePaths sorted by path (slice-index order for
// zero-padded slice names), named by their base filenames.
func Bundle(s cmn.Storage, destPath string, compression Compression, headfilePath string, slicePaths []string) error {
	names := make([]string, 0, len(slicePaths)+1)
	names = append(names, headfilePath)
	names = append(names, slicePaths...)
	sort.Strings(names[1:]) // slices sort by their zero-padded index suffix

	var buf writeBuffer
	w := newWriter(compression, &buf)
	for _, path := range names {
		data, err := s.ReadFile(path)
		if err != nil {
			return cmn.Tagf(cmn.KindIoMissing, err, "read archive member %s", path)
		}
		if err := w.Write(baseName(path), data); err != nil {
			return cmn.Tagf(cmn.KindIoCorrupt, err, "write archive member %s", path)
		}
	}
	if err := w.Fini(); err != nil {
		return cmn.Tagf(cmn.KindIoCorrupt, err, "finalize archive %s", destPath)
	}
	if err := s.WriteFile(destPath, buf.data, 0o644); err != nil {
		return cmn.Tagf(cmn.KindIoMissing, err, "write archive %s", destPath)
	}
	return nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

type writeBuffer struct{ data []byte }

func (b *writeBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
