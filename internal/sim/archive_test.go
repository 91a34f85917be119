// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExcluded(t *testing.T) {
	patterns := []string{"*.sqlite3", "analytics/state.db", "ocspcache"}
	assert.True(t, excluded("TrustStore.sqlite3", patterns))
	assert.True(t, excluded("nested/TrustStore.sqlite3", patterns), "base name match")
	assert.True(t, excluded("analytics/state.db", patterns))
	assert.True(t, excluded("ocspcache", patterns))
	assert.False(t, excluded("keychain-2.db", patterns))
	assert.False(t, excluded("other/state.db", patterns))
	assert.False(t, excluded("anything", nil))
}

func TestArchiveChecksumMatchesFile(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.db"), "alpha")
	dst := filepath.Join(t.TempDir(), "out.tar.zst")

	f, err := os.Create(dst)
	require.NoError(t, err)
	sum, err := writeArchive(src, f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	onDisk, err := fileChecksum(dst)
	require.NoError(t, err)
	assert.Equal(t, sum, onDisk)
	assert.Len(t, sum, 32)
	assert.NoError(t, verifyChecksum(dst, sum))
}

func TestExtractRejectsEscapingMembers(t *testing.T) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(enc)
	body := []byte("pwned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.db", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, enc.Close())

	src := filepath.Join(t.TempDir(), "evil.tar.zst")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o600))
	dst := filepath.Join(t.TempDir(), "Keychains")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	err = extractArchive(src, dst, nil)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dst), "escape.db"))
	assert.True(t, os.IsNotExist(statErr))
}

type tarMember struct {
	hdr  tar.Header
	body string
}

func writeTestArchive(t *testing.T, members ...tarMember) string {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(enc)
	for _, m := range members {
		hdr := m.hdr
		hdr.Size = int64(len(m.body))
		require.NoError(t, tw.WriteHeader(&hdr))
		if m.body != "" {
			_, err := tw.Write([]byte(m.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, enc.Close())
	src := filepath.Join(t.TempDir(), "keychains.tar.zst")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o600))
	return src
}

func TestExtractRejectsSymlinkOutsideDestination(t *testing.T) {
	outside := t.TempDir()
	for _, target := range []string{outside, "../..", "sub/../../x"} {
		src := writeTestArchive(t,
			tarMember{hdr: tar.Header{Name: "link", Linkname: target, Mode: 0o777, Typeflag: tar.TypeSymlink}},
			tarMember{hdr: tar.Header{Name: "link/escape.db", Mode: 0o644, Typeflag: tar.TypeReg}, body: "pwned"},
		)
		dst := filepath.Join(t.TempDir(), "Keychains")
		require.NoError(t, os.MkdirAll(dst, 0o755))

		err := extractArchive(src, dst, nil)
		require.Error(t, err, target)
		_, statErr := os.Lstat(filepath.Join(dst, "link"))
		assert.True(t, os.IsNotExist(statErr), target)
	}
	_, err := os.Stat(filepath.Join(outside, "escape.db"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractRefusesWritesThroughSymlink(t *testing.T) {
	src := writeTestArchive(t,
		tarMember{hdr: tar.Header{Name: "real/", Mode: 0o755, Typeflag: tar.TypeDir}},
		tarMember{hdr: tar.Header{Name: "alias", Linkname: "real", Mode: 0o777, Typeflag: tar.TypeSymlink}},
		tarMember{hdr: tar.Header{Name: "alias/keychain-2.db", Mode: 0o644, Typeflag: tar.TypeReg}, body: "db"},
	)
	dst := filepath.Join(t.TempDir(), "Keychains")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	err := extractArchive(src, dst, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crosses symlink")
	_, statErr := os.Stat(filepath.Join(dst, "real", "keychain-2.db"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractKeepsInternalSymlink(t *testing.T) {
	src := writeTestArchive(t,
		tarMember{hdr: tar.Header{Name: "real/", Mode: 0o755, Typeflag: tar.TypeDir}},
		tarMember{hdr: tar.Header{Name: "real/keychain-2.db", Mode: 0o644, Typeflag: tar.TypeReg}, body: "db"},
		tarMember{hdr: tar.Header{Name: "alias", Linkname: "real", Mode: 0o777, Typeflag: tar.TypeSymlink}},
	)
	dst := filepath.Join(t.TempDir(), "Keychains")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	require.NoError(t, extractArchive(src, dst, nil))
	link, err := os.Readlink(filepath.Join(dst, "alias"))
	require.NoError(t, err)
	assert.Equal(t, "real", link)
	assert.Equal(t, "db", readFile(t, filepath.Join(dst, "alias", "keychain-2.db")))
}
