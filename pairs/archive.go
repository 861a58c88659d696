package pairs

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/sirupsen/logrus"
)

// ErrUnsupportedArchive is returned for archive types other than .7z and .zip.
var ErrUnsupportedArchive = errors.New("unsupported archive type")

type member struct {
	name string
	open func() (io.ReadCloser, error)
}

// FromArchive pairs the images inside a .7z or .zip archive and extracts the
// paired files below destDir. Returned paths point at the extracted copies.
func FromArchive(archivePath, destDir string) (Result, error) {
	switch strings.ToLower(filepath.Ext(archivePath)) {
	case ".7z":
		reader, err := sevenzip.OpenReader(archivePath)
		if err != nil {
			return Result{}, fmt.Errorf("failed to open 7z archive: %w", err)
		}
		defer reader.Close()

		var members []member
		for _, file := range reader.File {
			if file.FileInfo().IsDir() {
				continue
			}
			members = append(members, member{name: file.Name, open: file.Open})
		}
		return extractPairs(members, destDir)
	case ".zip":
		reader, err := zip.OpenReader(archivePath)
		if err != nil {
			return Result{}, fmt.Errorf("failed to open zip archive: %w", err)
		}
		defer reader.Close()

		var members []member
		for _, file := range reader.File {
			if file.FileInfo().IsDir() {
				continue
			}
			members = append(members, member{name: file.Name, open: file.Open})
		}
		return extractPairs(members, destDir)
	}
	return Result{}, fmt.Errorf("%s: %w", archivePath, ErrUnsupportedArchive)
}

func extractPairs(members []member, destDir string) (Result, error) {
	byName := make(map[string]member, len(members))
	names := make([]string, 0, len(members))
	for _, m := range members {
		name := filepath.ToSlash(m.name)
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			logrus.WithField("name", m.name).Warn("Skipping archive entry outside the archive root")
			continue
		}
		byName[name] = m
		names = append(names, name)
	}

	res := Match(names)
	for i, p := range res.Pairs {
		base, err := extractMember(byName[p.Base], destDir)
		if err != nil {
			return Result{}, err
		}
		depth, err := extractMember(byName[p.Map], destDir)
		if err != nil {
			return Result{}, err
		}
		res.Pairs[i].Base = base
		res.Pairs[i].Map = depth
	}
	logrus.WithFields(logrus.Fields{
		"pairs":     len(res.Pairs),
		"unmatched": len(res.Unmatched),
	}).Debug("Extracted archive pairs")
	return res, nil
}

func extractMember(m member, destDir string) (string, error) {
	destPath := filepath.Join(destDir, filepath.FromSlash(filepath.ToSlash(m.name)))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	rc, err := m.open()
	if err != nil {
		return "", fmt.Errorf("failed to open %s in archive: %w", m.name, err)
	}
	defer rc.Close()

	outFile, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, rc); err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", m.name, err)
	}
	return destPath, nil
}
