package criticalfiles

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Pack writes relPaths (relative to repoDir) into a gzip-compressed
// tar at outTarPath, and a plain-text manifest of the included paths
// at outListPath — "critical-ignored.tar.gz" and
// "critical-ignored.list" in the bundle area (spec §4.3, §6.1).
func Pack(repoDir string, relPaths []string, outTarPath, outListPath string) error {
	if len(relPaths) == 0 {
		// Nothing to capture; remove stale artifacts from a previous run
		// rather than leaving a misleadingly non-empty sidecar.
		_ = os.Remove(outTarPath)
		_ = os.Remove(outListPath)
		return nil
	}

	if err := writeTarGz(repoDir, relPaths, outTarPath); err != nil {
		return err
	}
	return os.WriteFile(outListPath, []byte(strings.Join(relPaths, "\n")+"\n"), 0o644)
}

func writeTarGz(repoDir string, relPaths []string, outTarPath string) error {
	f, err := os.Create(outTarPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outTarPath, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, rel := range relPaths {
		full := filepath.Join(repoDir, rel)
		info, err := os.Lstat(full)
		if err != nil {
			return fmt.Errorf("stat %s: %w", full, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", rel, err)
		}
		hdr.Name = rel

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header for %s: %w", rel, err)
		}

		content, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("read %s: %w", full, err)
		}
		if _, err := tw.Write(content); err != nil {
			return fmt.Errorf("write tar content for %s: %w", rel, err)
		}
	}

	return nil
}

// Extract unpacks a critical-ignored.tar.gz into targetDir (spec §4.6
// git restore step 6).
func Extract(tarGzPath, targetDir string) error {
	f, err := os.Open(tarGzPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", tarGzPath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip reader for %s: %w", tarGzPath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read tar entry: %w", err)
		}

		dest := filepath.Join(targetDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(dest, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes target directory", hdr.Name)
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", dest, err)
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // size bounded by the archive cloudsync itself wrote
			out.Close()
			return fmt.Errorf("write %s: %w", dest, err)
		}
		out.Close()
	}
}
