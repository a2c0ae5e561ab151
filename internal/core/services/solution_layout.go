package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

const (
	mainTemplateName       = "mainTemplate.json"
	createUIDefinitionName = "createUiDefinition.json"
	fallbackSolutionName   = "Solution"
)

var errTemplateNotFound = errors.New("mainTemplate.json not found after packaging")

// solutionLayout is the directory tree the packaging tool expects:
// <workspace>/Solutions/<Name>/{Data,Package}.
type solutionLayout struct {
	Name    string
	Dir     string
	DataDir string
}

// findSolutionRoot picks the sole top-level directory of an extraction, or
// the extraction dir itself when there is anything else at the top level.
func findSolutionRoot(extracted string) (string, error) {
	entries, err := os.ReadDir(extracted)
	if err != nil {
		return "", fmt.Errorf("failed to read extracted archive: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(extracted, entries[0].Name()), nil
	}
	return extracted, nil
}

// solutionDataFiles returns the Data/Solution_*.json files under root.
func solutionDataFiles(root string) ([]string, error) {
	dataDir := filepath.Join(root, "Data")
	info, err := os.Stat(dataDir)
	if err != nil || !info.IsDir() {
		return nil, errors.New("Data/ directory not found in extracted archive")
	}
	files, err := filepath.Glob(filepath.Join(dataDir, "Solution_*.json"))
	if err != nil {
		return nil, err
	}
	var regular []string
	for _, f := range files {
		if fi, err := os.Lstat(f); err == nil && fi.Mode().IsRegular() {
			regular = append(regular, f)
		}
	}
	if len(regular) == 0 {
		return nil, errors.New("no Solution_*.json found in Data/")
	}
	return regular, nil
}

// materializeSolution copies root into solutionsBase/<name>, creates the
// Package output dir and points BasePath in every data file at the copy.
func materializeSolution(root, extracted, solutionsBase string) (solutionLayout, error) {
	if _, err := solutionDataFiles(root); err != nil {
		return solutionLayout{}, err
	}

	name := fallbackSolutionName
	if root != extracted {
		name = sanitizeSegment(filepath.Base(root))
	}
	layout := solutionLayout{
		Name: name,
		Dir:  filepath.Join(solutionsBase, name),
	}
	layout.DataDir = filepath.Join(layout.Dir, "Data")

	if err := copyTree(root, layout.Dir); err != nil {
		return solutionLayout{}, fmt.Errorf("failed to copy solution: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(layout.Dir, "Package"), dirPerm); err != nil {
		return solutionLayout{}, fmt.Errorf("failed to create Package dir: %w", err)
	}

	files, err := solutionDataFiles(layout.Dir)
	if err != nil {
		return solutionLayout{}, err
	}
	for _, f := range files {
		if err := rewriteBasePath(f, layout.Dir); err != nil {
			return solutionLayout{}, err
		}
	}
	return layout, nil
}

func rewriteBasePath(file, basePath string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%s is not a JSON object: %w", filepath.Base(file), err)
	}
	encoded, err := json.Marshal(basePath)
	if err != nil {
		return err
	}
	doc["BasePath"] = encoded

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, out, filePerm)
}

// locateTemplate looks for the tool output at its declared place first,
// then anywhere under searchRoot.
func locateTemplate(layout solutionLayout, searchRoot string) (string, error) {
	declared := filepath.Join(layout.Dir, "Package", mainTemplateName)
	if fi, err := os.Lstat(declared); err == nil && fi.Mode().IsRegular() {
		return declared, nil
	}

	var found string
	err := filepath.WalkDir(searchRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() && d.Name() == mainTemplateName {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", errTemplateNotFound
	}
	return found, nil
}

// bundleResult writes the template and, when present, its UI definition
// next to it into a flat deflated archive at dst.
func bundleResult(template, dst string) error {
	files := []string{template}
	ui := filepath.Join(filepath.Dir(template), createUIDefinitionName)
	if fi, err := os.Lstat(ui); err == nil && fi.Mode().IsRegular() {
		files = append(files, ui)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create result archive: %w", err)
	}
	zw := zip.NewWriter(out)
	for _, f := range files {
		if err := addZipFile(zw, f, filepath.Base(f)); err != nil {
			_ = zw.Close()
			_ = out.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to finish result archive: %w", err)
	}
	return out.Close()
}

func addZipFile(zw *zip.Writer, src, name string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// sanitizeSegment keeps a name usable as one path segment.
func sanitizeSegment(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == ' ':
			return r
		default:
			return '_'
		}
	}, name)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || strings.Trim(cleaned, ".") == "" {
		return fallbackSolutionName
	}
	return cleaned
}
