package archive

import (
	"archive/tar"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

// fingerprintDir walks root and returns its ordered file list plus a
// digest over the streamed (relative_path, size, mtime_ns) tuples
// (spec §4.4 change detection). The digest is SHA-256 by default; fast
// opts into BLAKE2b, which is noticeably cheaper per byte on large
// trees and is only ever compared against itself (it never appears in
// a manifest's checksum field, which stays SHA-256 per spec §8).
//
// A symlink that escapes root is refused, not fatal: it is skipped
// and reported back as a warning so the rest of the tree still backs
// up (spec §8 boundary behavior).
func fingerprintDir(root string, fast bool) ([]fileEntry, string, []string, error) {
	var entries []fileEntry
	var warnings []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, lerr := os.Readlink(p)
			if lerr == nil && escapesRoot(root, p, target) {
				warnings = append(warnings, fmt.Sprintf("skipped symlink escaping source root: %s -> %s", rel, target))
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		entries = append(entries, fileEntry{
			RelPath: filepath.ToSlash(rel),
			Size:    info.Size(),
			ModNs:   info.ModTime().UnixNano(),
		})
		return nil
	})
	if err != nil {
		return nil, "", nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })

	var h hash.Hash
	if fast {
		h, _ = blake2b.New256(nil)
	} else {
		h = sha256.New()
	}
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", e.RelPath, e.Size, e.ModNs)
	}
	return entries, hex.EncodeToString(h.Sum(nil)), warnings, nil
}

// escapesRoot reports whether a symlink at p, pointing at target,
// resolves outside root (spec §8 boundary: "archive engine refuses to
// follow" a symlink that escapes the root).
func escapesRoot(root, linkPath, target string) bool {
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(linkPath), target)
	}
	resolved = filepath.Clean(resolved)
	rootClean := filepath.Clean(root)
	return resolved != rootClean && !strings.HasPrefix(resolved, rootClean+string(filepath.Separator))
}

// writeTar streams the named entries from baseDir into a compressed tar
// archive at path, using the configured compressor.
func writeTar(path, baseDir string, entries []fileEntry, compressor string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", path, err)
	}
	defer f.Close()

	cw, closeCompressor, err := newCompressWriter(f, compressor)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)

	for _, e := range entries {
		full := filepath.Join(baseDir, filepath.FromSlash(e.RelPath))
		info, err := os.Lstat(full)
		if err != nil {
			if os.IsNotExist(err) {
				continue // file removed between fingerprint and write
			}
			return fmt.Errorf("stat %s: %w", full, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", e.RelPath, err)
		}
		hdr.Name = e.RelPath
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header %s: %w", e.RelPath, err)
		}
		src, err := os.Open(full)
		if err != nil {
			return fmt.Errorf("open %s: %w", full, err)
		}
		_, cerr := io.Copy(tw, src)
		src.Close()
		if cerr != nil {
			return fmt.Errorf("copy %s into archive: %w", e.RelPath, cerr)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	return closeCompressor()
}

// newCompressWriter wraps w with the named compressor, returning a
// close func that must run after the tar writer is closed.
func newCompressWriter(w io.Writer, compressor string) (io.Writer, func() error, error) {
	switch compressor {
	case "gzip":
		gz := gzip.NewWriter(w)
		return gz, gz.Close, nil
	case "zstd", "":
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown compressor %q", compressor)
	}
}

// Extract unpacks a compressed tar archive written by writeTar into
// targetDir, choosing the decompressor from path's extension (spec
// §4.6 archive restore: "extract using the matching decompressor").
// Entry paths that would escape targetDir are refused.
func Extract(path, targetDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	defer f.Close()

	dr, closeDecompressor, err := newDecompressReader(f, compressorForExt(path))
	if err != nil {
		return fmt.Errorf("open decompressor for %s: %w", path, err)
	}
	defer closeDecompressor()

	tr := tar.NewReader(dr)
	targetClean := filepath.Clean(targetDir)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest := filepath.Join(targetDir, filepath.FromSlash(hdr.Name))
		if dest != targetClean && !strings.HasPrefix(dest, targetClean+string(filepath.Separator)) {
			return fmt.Errorf("refusing to extract %s outside %s", hdr.Name, targetDir)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", hdr.Name, err)
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("write %s: %w", dest, err)
		}
		out.Close()
	}
	return nil
}

func compressorForExt(path string) string {
	switch {
	case strings.HasSuffix(path, ".gz"):
		return "gzip"
	case strings.HasSuffix(path, ".bz2"):
		return "bzip2"
	default:
		return "zstd"
	}
}

func newDecompressReader(r io.Reader, compressor string) (io.Reader, func() error, error) {
	switch compressor {
	case "gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gr, gr.Close, nil
	case "bzip2":
		// Restore-only: compress/bzip2 has no writer, so nothing this
		// engine creates is ever .bz2, but archives produced elsewhere
		// still need to extract.
		return bzip2.NewReader(r), func() error { return nil }, nil
	case "zstd", "":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() error { zr.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown compressor %q", compressor)
	}
}

// writeSnapshot persists the GNU-tar-style listed-incremental snapshot
// (spec §4.4) as a plain-text table: one "relPath\tsize\tmtimeNs" line
// per entry, sorted by relPath.
func writeSnapshot(path string, entries []fileEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%d\n", e.RelPath, e.Size, e.ModNs)
	}
	return w.Flush()
}

func readSnapshot(path string) ([]fileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []fileEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), "\t", 3)
		if len(parts) != 3 {
			continue
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		modNs, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, fileEntry{RelPath: parts[0], Size: size, ModNs: modNs})
	}
	return entries, sc.Err()
}

// diffEntries returns the entries in next that are new or changed
// relative to prev (by size or mtime), the shape a GNU-tar
// listed-incremental archive records.
func diffEntries(prev, next []fileEntry) []fileEntry {
	prevByPath := make(map[string]fileEntry, len(prev))
	for _, e := range prev {
		prevByPath[e.RelPath] = e
	}
	var changed []fileEntry
	for _, e := range next {
		old, ok := prevByPath[e.RelPath]
		if !ok || old.Size != e.Size || old.ModNs != e.ModNs {
			changed = append(changed, e)
		}
	}
	return changed
}
