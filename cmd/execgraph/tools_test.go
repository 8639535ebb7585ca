package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tarGz packs files into an in-memory tar.gz archive.
func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// releaseServer serves files under /owner/tool/releases/download/v1/ and
// returns a release pointing at it.
func releaseServer(t *testing.T, files map[string][]byte) toolRelease {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[strings.TrimPrefix(r.URL.Path, "/owner/tool/releases/download/v1/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return toolRelease{Binary: "tool", Repo: "owner/tool", Version: "v1", BaseURL: srv.URL}
}

const linuxAsset = "tool_Linux_x86_64.tar.gz"

func TestReleaseAsset(t *testing.T) {
	rel := toolRelease{Binary: "mermaid-ascii"}

	asset, err := rel.asset("darwin", "arm64")
	require.NoError(t, err)
	assert.Equal(t, "mermaid-ascii_Darwin_arm64.tar.gz", asset)

	asset, err = rel.asset("linux", "386")
	require.NoError(t, err)
	assert.Equal(t, "mermaid-ascii_Linux_i386.tar.gz", asset)

	_, err = rel.asset("windows", "amd64")
	assert.ErrorContains(t, err, "unsupported OS")
	_, err = rel.asset("linux", "riscv64")
	assert.ErrorContains(t, err, "unsupported architecture")
}

func TestMermaidASCIIReleasePinsEveryPlatform(t *testing.T) {
	for _, goos := range []string{"darwin", "linux"} {
		for _, goarch := range []string{"amd64", "arm64"} {
			asset, err := mermaidASCIIRelease.asset(goos, goarch)
			require.NoError(t, err)
			assert.Len(t, mermaidASCIIRelease.Pinned[asset], 64, asset)
		}
	}
}

func TestInstall_PinnedDigest(t *testing.T) {
	archive := tarGz(t, map[string]string{"README.md": "docs", "tool_v1/tool": "#!/bin/sh\n"})
	rel := releaseServer(t, map[string][]byte{linuxAsset: archive})
	rel.Pinned = map[string]string{linuxAsset: digest(archive)}
	dir := filepath.Join(t.TempDir(), "bin")

	path, err := rel.Install(context.Background(), http.DefaultClient, dir, "linux", "amd64")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tool"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)

	_, err = rel.Install(context.Background(), http.DefaultClient, dir, "linux", "amd64")
	assert.ErrorIs(t, err, errAlreadyInstalled)
}

func TestInstall_ChecksumsFile(t *testing.T) {
	archive := tarGz(t, map[string]string{"tool": "bin"})
	rel := releaseServer(t, map[string][]byte{
		linuxAsset:      archive,
		"checksums.txt": []byte(fmt.Sprintf("%s  %s\n", digest(archive), linuxAsset)),
	})
	dir := t.TempDir()

	_, err := rel.Install(context.Background(), http.DefaultClient, dir, "linux", "amd64")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "tool"))
}

func TestInstall_DigestMismatch(t *testing.T) {
	archive := tarGz(t, map[string]string{"tool": "bin"})
	rel := releaseServer(t, map[string][]byte{linuxAsset: archive})
	rel.Pinned = map[string]string{linuxAsset: strings.Repeat("0", 64)}
	dir := t.TempDir()

	_, err := rel.Install(context.Background(), http.DefaultClient, dir, "linux", "amd64")
	assert.ErrorContains(t, err, "digest mismatch")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp archive and binary are removed")
}

func TestInstall_NoChecksumPublished(t *testing.T) {
	rel := releaseServer(t, map[string][]byte{"checksums.txt": []byte("")})
	_, err := rel.Install(context.Background(), http.DefaultClient, t.TempDir(), "linux", "amd64")
	assert.ErrorContains(t, err, "no checksum published")

	rel = releaseServer(t, nil)
	_, err = rel.Install(context.Background(), http.DefaultClient, t.TempDir(), "linux", "amd64")
	assert.ErrorContains(t, err, "status 404")
}

func TestParseChecksums(t *testing.T) {
	a, b := strings.Repeat("ab", 32), strings.Repeat("CD", 32)
	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{"two spaces", a + "  one.tar.gz\n", map[string]string{"one.tar.gz": a}},
		{"single space", a + " one.tar.gz\n", map[string]string{"one.tar.gz": a}},
		{"binary marker and upper case", b + " *two.tar.gz\n", map[string]string{"two.tar.gz": strings.ToLower(b)}},
		{"blank and malformed lines", "\n   \nabc123\nabc123  short.tar.gz\n", map[string]string{}},
		{"several", a + "  one\n" + b + "  two\n", map[string]string{"one": a, "two": strings.ToLower(b)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseChecksums(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractTarGz_Missing(t *testing.T) {
	archive := tarGz(t, map[string]string{"README.md": "docs"})
	err := extractTarGz(bytes.NewReader(archive), t.TempDir(), "tool")
	assert.ErrorContains(t, err, "not found")

	err = extractTarGz(strings.NewReader("not gzip"), t.TempDir(), "tool")
	assert.ErrorContains(t, err, "gzip")
}
