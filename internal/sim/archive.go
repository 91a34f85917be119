// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

func newChecksum() hash.Hash {
	h, _ := blake2b.New256(nil) // only fails for oversized keys
	return h
}

// writeArchive packs srcDir recursively into w as tar+zstd and returns the
// checksum of the compressed stream.
func writeArchive(srcDir string, w io.Writer) ([]byte, error) {
	sum := newChecksum()
	enc, err := zstd.NewWriter(io.MultiWriter(w, sum))
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(enc)

	err = filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == srcDir {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		_ = tw.Close()
		_ = enc.Close()
		return nil, fmt.Errorf("archive %s: %w", srcDir, err)
	}
	if err := tw.Close(); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return sum.Sum(nil), nil
}

func fileChecksum(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sum := newChecksum()
	if _, err := io.Copy(sum, f); err != nil {
		return nil, err
	}
	return sum.Sum(nil), nil
}

func verifyChecksum(p string, want []byte) error {
	if len(want) == 0 {
		return nil
	}
	got, err := fileChecksum(p)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("keychain archive %s was modified since backup (checksum mismatch)", p)
	}
	return nil
}

// excluded reports whether the archive member rel matches one of the glob patterns,
// either as a whole path or by its base name.
func excluded(rel string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		if ok, _ := path.Match(pat, path.Base(rel)); ok {
			return true
		}
	}
	return false
}

// extractArchive unpacks a tar+zstd archive into dstDir, skipping members that
// match excludes (and everything below an excluded directory).
func extractArchive(src, dstDir string, excludes []string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	var skipped []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", src, err)
		}
		rel := strings.TrimSuffix(path.Clean(hdr.Name), "/")
		if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
			return fmt.Errorf("archive %s: unsafe member %q", src, hdr.Name)
		}
		if underAny(rel, skipped) {
			continue
		}
		if excluded(rel, excludes) {
			if hdr.Typeflag == tar.TypeDir {
				skipped = append(skipped, rel)
			}
			continue
		}

		if err := checkNoSymlink(dstDir, rel); err != nil {
			return fmt.Errorf("archive %s: member %q: %w", src, hdr.Name, err)
		}
		dst := filepath.Join(dstDir, filepath.FromSlash(rel))
		mode := fs.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, mode|0o700); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if !safeLinkTarget(rel, hdr.Linkname) {
				return fmt.Errorf("archive %s: symlink %q points outside the destination (%q)", src, hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, dst); err != nil && !os.IsExist(err) {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			_, err = io.Copy(out, tr)
			out.Close()
			if err != nil {
				return err
			}
		}
	}
}

func underAny(rel string, dirs []string) bool {
	for _, d := range dirs {
		if strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	return false
}

// safeLinkTarget reports whether a symlink at rel pointing to target stays inside the extraction root.
func safeLinkTarget(rel, target string) bool {
	if target == "" || path.IsAbs(target) || filepath.IsAbs(target) {
		return false
	}
	resolved := path.Clean(path.Join(path.Dir(rel), target))
	return resolved != ".." && !strings.HasPrefix(resolved, "../")
}

// checkNoSymlink fails when rel, or any of its parents below root, is an existing symlink.
func checkNoSymlink(root, rel string) error {
	cur := root
	for _, part := range strings.Split(rel, "/") {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("path crosses symlink %s", cur)
		}
	}
	return nil
}
