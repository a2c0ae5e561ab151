package services

import (
	"bytes"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/manthysbr/solution-packager/internal/core/domain"
)

const solutionMetadataName = "SolutionMetadata.json"

var solutionDataPattern = regexp.MustCompile(`(?:^|/)Data/Solution_[^/]+\.json$`)

// ArchiveLimits bounds the work a single upload may cause.
type ArchiveLimits struct {
	MaxEntries           int
	MaxUncompressedBytes uint64
}

// ArchiveValidator gates untrusted uploads using only the central directory.
// It never extracts, decompresses, or writes anything.
type ArchiveValidator struct {
	limits ArchiveLimits
}

func NewArchiveValidator(limits ArchiveLimits) *ArchiveValidator {
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = 2000
	}
	if limits.MaxUncompressedBytes == 0 {
		limits.MaxUncompressedBytes = 256 << 20
	}
	return &ArchiveValidator{limits: limits}
}

// Validate returns nil when data is acceptable, otherwise a *domain.ValidationError.
// Checks run in a fixed order and stop at the first failure so that
// structural limits are enforced before any content is considered.
func (v *ArchiveValidator) Validate(data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if zr == nil {
		return domain.Rejectf(domain.RejectInvalidFormat, "not a valid ZIP archive: %v", err)
	}

	if n := len(zr.File); n > v.limits.MaxEntries {
		return domain.Rejectf(domain.RejectTooManyEntries, "archive has %d entries (max %d)", n, v.limits.MaxEntries)
	}

	// Names and modes of every entry are checked before any size is summed.
	hasData, hasMetadata := false, false
	for _, f := range zr.File {
		name, err := cleanEntryName(f.Name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		if mode&fs.ModeSymlink != 0 {
			return domain.Rejectf(domain.RejectUnsafeEntry, "symbolic link entries are not allowed: %q", f.Name)
		}
		if !mode.IsRegular() && !mode.IsDir() {
			return domain.Rejectf(domain.RejectUnsafeEntry, "special file entries are not allowed: %q", f.Name)
		}

		if mode.IsDir() {
			continue
		}
		if solutionDataPattern.MatchString(name) {
			hasData = true
		}
		if path.Base(name) == solutionMetadataName {
			hasMetadata = true
		}
	}

	var total uint64
	for _, f := range zr.File {
		size := f.UncompressedSize64
		if size > v.limits.MaxUncompressedBytes-total {
			return domain.Rejectf(domain.RejectUncompressedSizeExceeded,
				"declared uncompressed size exceeds %d bytes", v.limits.MaxUncompressedBytes)
		}
		total += size
	}

	if !hasData {
		return domain.Rejectf(domain.RejectMissingRequiredContent, "no Data/Solution_*.json file found in archive")
	}
	if !hasMetadata {
		return domain.Rejectf(domain.RejectMissingRequiredContent, "no %s file found in archive", solutionMetadataName)
	}
	return nil
}

// cleanEntryName normalizes separators and rejects names that could
// resolve outside the extraction directory.
func cleanEntryName(raw string) (string, error) {
	name := strings.ReplaceAll(raw, `\`, "/")
	switch {
	case strings.TrimSuffix(name, "/") == "":
		return "", domain.Rejectf(domain.RejectUnsafeEntry, "empty entry name")
	case strings.ContainsRune(name, 0):
		return "", domain.Rejectf(domain.RejectUnsafeEntry, "entry name contains NUL byte")
	case strings.HasPrefix(name, "/"):
		return "", domain.Rejectf(domain.RejectUnsafeEntry, "absolute entry path: %q", raw)
	case hasDriveLetter(name):
		return "", domain.Rejectf(domain.RejectUnsafeEntry, "drive-qualified entry path: %q", raw)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", domain.Rejectf(domain.RejectUnsafeEntry, "parent directory segment in entry: %q", raw)
		}
	}
	return name, nil
}

func hasDriveLetter(name string) bool {
	if len(name) < 2 || name[1] != ':' {
		return false
	}
	c := name[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
