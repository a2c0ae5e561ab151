package services

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// extractArchive unpacks src into dst. It repeats the entry-level safety
// checks instead of trusting earlier validation, and copies every body
// through a reader capped at the declared size and the overall budget.
func extractArchive(src, dst string, limits ArchiveLimits) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	if len(zr.File) > limits.MaxEntries {
		return fmt.Errorf("archive has %d entries (max %d)", len(zr.File), limits.MaxEntries)
	}
	if err := os.MkdirAll(dst, dirPerm); err != nil {
		return fmt.Errorf("failed to create extraction dir: %w", err)
	}

	var written uint64
	for _, f := range zr.File {
		name, err := cleanEntryName(f.Name)
		if err != nil {
			return err
		}
		target, err := resolveInside(dst, name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return fmt.Errorf("failed to create %s: %w", name, err)
			}
			continue
		case !mode.IsRegular():
			return fmt.Errorf("refusing to extract non-regular entry %q", f.Name)
		}

		if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", name, err)
		}
		budget := min(f.UncompressedSize64, limits.MaxUncompressedBytes-written)
		n, err := extractFile(f, target, budget)
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

func extractFile(f *zip.File, target string, limit uint64) (uint64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	// O_EXCL: a duplicate entry name must not overwrite an earlier file.
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to create %q: %w", f.Name, err)
	}

	n, err := io.Copy(out, io.LimitReader(rc, int64(limit)+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return uint64(n), fmt.Errorf("failed to extract %q: %w", f.Name, err)
	}
	if uint64(n) > limit {
		return uint64(n), fmt.Errorf("entry %q is larger than declared", f.Name)
	}
	return uint64(n), nil
}

// resolveInside joins a slash separated relative name onto root and
// verifies the result stays below root.
func resolveInside(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the extraction dir", name)
	}
	return target, nil
}

// copyTree copies regular files and directories from src to dst with
// owner-only permissions. Symlinks and special files are not copied.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, dirPerm)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
