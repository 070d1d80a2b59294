package service

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

type archiveStats struct {
	Files int64
	Size  int64
}

// writeArchive streams dir as a gzipped tarball into w. Only directories and
// regular files are archived; paths are stored relative to dir.
func writeArchive(w io.Writer, dir string) (archiveStats, error) {
	var stats archiveStats
	gzw := gzip.NewWriter(w)
	tw := tar.NewWriter(gzw)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(tw, f)
		if err != nil {
			return err
		}
		stats.Files++
		stats.Size += n
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("err archiving %s: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		return stats, err
	}
	return stats, gzw.Close()
}

// extractArchive unpacks a tarball written by writeArchive into dest. Entries
// that would land outside dest are rejected.
func extractArchive(r io.Reader, dest string) (archiveStats, error) {
	var stats archiveStats
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return stats, err
	}
	defer gzr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return stats, err
	}
	root := filepath.Clean(dest) + string(os.PathSeparator)

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read tar header: %w", err)
		}

		target := filepath.Join(dest, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target+string(os.PathSeparator), root) {
			return stats, fmt.Errorf("illegal path in archive: %q", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return stats, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return stats, err
			}
			n, err := writeFileFrom(target, tr, header.FileInfo().Mode().Perm(), header.Size)
			if err != nil {
				return stats, err
			}
			stats.Files++
			stats.Size += n
		}
	}
	return stats, nil
}

func writeFileFrom(path string, r io.Reader, perm os.FileMode, size int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return 0, err
	}
	n, err := io.CopyN(f, r, size)
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return n, err
	}
	return n, f.Close()
}
