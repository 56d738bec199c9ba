package secure

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const defaultMaxSize = 1 << 30 // 1 GiB

// TarExtractor performs defensive tar extraction: it rejects device
// entries, symbolic/hard links, absolute paths, and any member resolving
// outside the extraction root, and enforces a cumulative and per-member
// size ceiling.
type TarExtractor struct {
	MaxSize int64
	Strict  bool
	logger  *slog.Logger
}

// NewTarExtractor creates a TarExtractor. maxSize <= 0 uses defaultMaxSize.
// strict=true raises SecurityError on any unsafe member; strict=false
// skips unsafe members with a warning.
func NewTarExtractor(maxSize int64, strict bool, logger *slog.Logger) *TarExtractor {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return &TarExtractor{MaxSize: maxSize, Strict: strict, logger: logger}
}

// ExtractAll reads every entry from r and extracts safe members under
// root. It pre-computes the total uncompressed size before extracting and
// fails before writing anything if that total exceeds MaxSize.
func (e *TarExtractor) ExtractAll(r io.Reader, root string) error {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("secure: create extraction root: %w", err)
	}

	members, totalSize, err := e.inspect(r)
	if err != nil {
		return err
	}
	if totalSize > e.MaxSize {
		return &SecurityError{Msg: fmt.Sprintf("archive total size %d exceeds limit %d", totalSize, e.MaxSize)}
	}

	for _, m := range members {
		if err := e.extractMember(m, root); err != nil {
			if e.Strict {
				return err
			}
			e.logger.Warn("skipping unsafe tar member", "name", m.header.Name, "error", err)
		}
	}
	return nil
}

// member pairs a tar header with its buffered content, since the
// pre-extraction size check requires a full pass over the stream before
// any file is written.
type member struct {
	header *tar.Header
	data   []byte
}

func (e *TarExtractor) inspect(r io.Reader) ([]member, int64, error) {
	tr := tar.NewReader(r)
	var members []member
	var total int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("secure: read tar header: %w", err)
		}

		if hdr.Size > e.MaxSize {
			return nil, 0, &SecurityError{Msg: fmt.Sprintf("member %q size %d exceeds limit %d", hdr.Name, hdr.Size, e.MaxSize)}
		}

		data := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, data); err != nil && err != io.EOF {
			return nil, 0, fmt.Errorf("secure: read tar member %q: %w", hdr.Name, err)
		}

		total += hdr.Size
		members = append(members, member{header: hdr, data: data})
	}

	return members, total, nil
}

func (e *TarExtractor) extractMember(m member, root string) error {
	hdr := m.header

	if filepath.IsAbs(hdr.Name) {
		return &SecurityError{Msg: fmt.Sprintf("member %q has an absolute path", hdr.Name)}
	}

	switch hdr.Typeflag {
	case tar.TypeSymlink, tar.TypeLink:
		return &SecurityError{Msg: fmt.Sprintf("member %q is a link, rejected", hdr.Name)}
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		return &SecurityError{Msg: fmt.Sprintf("member %q is a device entry, rejected", hdr.Name)}
	}

	if !ValidatePath(hdr.Name, root) {
		return &SecurityError{Msg: fmt.Sprintf("member %q resolves outside the extraction root", hdr.Name)}
	}

	dest := filepath.Join(root, hdr.Name)

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, 0o755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("secure: create parent dir for %q: %w", hdr.Name, err)
		}
		return os.WriteFile(dest, m.data, os.FileMode(hdr.Mode)&0o777)
	default:
		e.logger.Warn("ignoring unsupported tar entry type", "name", hdr.Name, "type", hdr.Typeflag)
		return nil
	}
}
