package kernels

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gomlx/clvec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirEnv is the environment variable with the default kernel directory.
const DirEnv = "CLVEC_KERNEL_DIR"

//go:embed cl/*.cl cl/*.h
var embedded embed.FS

// Embedded returns the kernel files shipped with clvec.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "cl")
	if err != nil {
		klog.Fatalf("kernels: embedded sources not found: %v", err)
	}
	return sub
}

// ExtractTo writes the kernel files shipped with clvec to dir, creating it if needed.
func ExtractTo(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating kernel directory %q", dir)
	}
	files := Embedded()
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return errors.Wrap(err, "listing embedded kernel files")
	}
	for _, entry := range entries {
		contents, err := fs.ReadFile(files, entry.Name())
		if err != nil {
			return errors.Wrapf(err, "reading embedded kernel file %q", entry.Name())
		}
		if err = os.WriteFile(filepath.Join(dir, entry.Name()), contents, 0o644); err != nil {
			return errors.Wrapf(err, "writing kernel file %q", entry.Name())
		}
	}
	return nil
}

var (
	extractOnce sync.Once
	extractDir  string
	extractErr  error
)

// DefaultDir returns the kernel directory to use when none is configured: the value of $CLVEC_KERNEL_DIR
// if set, otherwise a temporary directory where the shipped kernel files are extracted, once per process.
func DefaultDir() (string, error) {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir, nil
	}
	extractOnce.Do(func() {
		extractDir, extractErr = os.MkdirTemp("", "clvec_kernels_")
		if extractErr != nil {
			return
		}
		extractErr = ExtractTo(extractDir)
		klog.V(1).Infof("kernel files extracted to %q", extractDir)
	})
	if extractErr != nil {
		return "", clvec.Wrap(clvec.DirectoryRead, "kernel-dir", extractErr)
	}
	return extractDir, nil
}
