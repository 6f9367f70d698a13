// Package fsinfo classifies the filesystem backing a path.
package fsinfo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem type names returned by Detect for the kinds we care about.
// Other filesystems are reported by their platform name or as a hex magic.
const (
	TypeTmpfs = "tmpfs"
	TypeRamfs = "ramfs"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

var volatileFilesystems = map[string]struct{}{
	TypeTmpfs: {},
	TypeRamfs: {},
}

// Detector reports the filesystem type of an existing path.
type Detector func(path string) (string, error)

// Detect reports the filesystem type of the nearest existing ancestor of path.
func Detect(path string) (string, error) {
	return DetectWith(path, detectFilesystemType)
}

// DetectWith is Detect with an injectable detector.
func DetectWith(path string, detector Detector) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}
	inspectPath, err := NearestExistingPath(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	fsType, err := detector(inspectPath)
	if err != nil {
		return "", fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}
	return fsType, nil
}

// NearestExistingPath walks up from path until it finds something that exists.
func NearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

// IsNetwork reports whether fsType names a network filesystem.
func IsNetwork(fsType string) bool {
	_, found := networkFilesystems[normalize(fsType)]
	return found
}

// IsVolatile reports whether fsType is memory backed.
func IsVolatile(fsType string) bool {
	_, found := volatileFilesystems[normalize(fsType)]
	return found
}

func normalize(fsType string) string {
	return strings.TrimSpace(strings.ToLower(fsType))
}
