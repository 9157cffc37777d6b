package harness

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/weiihann/devbench/device"
)

// ResolveArtifact describes the artifact at path. Its name is the file
// name up to the first ".", its profile the name of the directory that
// holds it, and its digest the BLAKE3 hash of its contents.
func ResolveArtifact(path string) (device.Artifact, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return device.Artifact{}, fmt.Errorf("resolve artifact %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return device.Artifact{}, fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		return device.Artifact{}, fmt.Errorf("artifact %s is a directory", path)
	}

	name, _, _ := strings.Cut(filepath.Base(abs), ".")
	if name == "" {
		return device.Artifact{}, fmt.Errorf("artifact %s has no name", path)
	}

	digest, err := digestFile(abs)
	if err != nil {
		return device.Artifact{}, err
	}

	return device.Artifact{
		Path:    abs,
		Name:    name,
		Profile: filepath.Base(filepath.Dir(abs)),
		Digest:  digest,
	}, nil
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash artifact %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
