package main

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/execgraph/internal/diagram"
)

// toolRelease is a pinned GitHub release of an external binary shipped as
// one tar.gz per platform.
type toolRelease struct {
	Binary  string
	Repo    string
	Version string
	// Pinned maps asset names to their SHA-256. Assets missing here are
	// checked against the release's checksums.txt.
	Pinned  map[string]string
	BaseURL string
}

var mermaidASCIIRelease = toolRelease{
	Binary:  diagram.MermaidASCIIBinary,
	Repo:    "AlexanderGrooff/mermaid-ascii",
	Version: "1.1.0",
	Pinned: map[string]string{
		"mermaid-ascii_Darwin_arm64.tar.gz":  "068d2ff869d4921655cab471500fffd8c3ed28155b100518ed3cf3835d53d3d0",
		"mermaid-ascii_Darwin_x86_64.tar.gz": "0cd4c9c01a03284fe866f39a1ce1aaee1e6a2fbd91deedc4ec254cb87622eec8",
		"mermaid-ascii_Linux_arm64.tar.gz":   "3b7d0a95141bfbca838e445ea802ffb7fba8873b3c4af498482c84f83526f2db",
		"mermaid-ascii_Linux_x86_64.tar.gz":  "838ea93d561b3bc83aa15531c6ed7d2d261a8edc521d5484f7e91fe831cc4c65",
	},
	BaseURL: "https://github.com",
}

var errAlreadyInstalled = errors.New("already installed")

var (
	releaseOS   = map[string]string{"darwin": "Darwin", "linux": "Linux"}
	releaseArch = map[string]string{"amd64": "x86_64", "arm64": "arm64", "386": "i386"}
)

// asset returns the archive name published for goos/goarch.
func (r toolRelease) asset(goos, goarch string) (string, error) {
	o, ok := releaseOS[goos]
	if !ok {
		return "", fmt.Errorf("%s: unsupported OS %q", r.Binary, goos)
	}
	a, ok := releaseArch[goarch]
	if !ok {
		return "", fmt.Errorf("%s: unsupported architecture %q", r.Binary, goarch)
	}
	return fmt.Sprintf("%s_%s_%s.tar.gz", r.Binary, o, a), nil
}

func (r toolRelease) url(file string) string {
	return fmt.Sprintf("%s/%s/releases/download/%s/%s", r.BaseURL, r.Repo, r.Version, file)
}

// Install downloads the asset for goos/goarch into dir, verifies its digest
// and extracts the binary. It returns the installed path.
func (r toolRelease) Install(ctx context.Context, client *http.Client, dir, goos, goarch string) (string, error) {
	dest := filepath.Join(dir, r.Binary)
	if _, err := os.Stat(dest); err == nil {
		return dest, errAlreadyInstalled
	}
	asset, err := r.asset(goos, goarch)
	if err != nil {
		return "", err
	}
	want, err := r.expectedDigest(ctx, client, asset)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	archive, got, err := fetchToTemp(ctx, client, r.url(asset), dir)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)
	if got != want {
		return "", fmt.Errorf("%s: digest mismatch (want %s, got %s)", asset, want, got)
	}

	f, err := os.Open(archive)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := extractTarGz(f, dir, r.Binary); err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	return dest, os.Chmod(dest, 0o755)
}

func (r toolRelease) expectedDigest(ctx context.Context, client *http.Client, asset string) (string, error) {
	if sum, ok := r.Pinned[asset]; ok {
		return sum, nil
	}
	body, err := get(ctx, client, r.url("checksums.txt"))
	if err != nil {
		return "", fmt.Errorf("fetch checksums: %w", err)
	}
	defer body.Close()
	sums, err := parseChecksums(body)
	if err != nil {
		return "", err
	}
	sum, ok := sums[asset]
	if !ok {
		return "", fmt.Errorf("no checksum published for %s", asset)
	}
	return sum, nil
}

func get(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

// fetchToTemp streams url into a temp file in dir and returns its path with
// the SHA-256 of what was written. The caller removes the file.
func fetchToTemp(ctx context.Context, client *http.Client, url, dir string) (string, string, error) {
	body, err := get(ctx, client, url)
	if err != nil {
		return "", "", err
	}
	defer body.Close()

	f, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return "", "", err
	}
	h := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(f, h), body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(f.Name())
		return "", "", err
	}
	return f.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

// parseChecksums reads "<sha256> <name>" lines as written by sha256sum.
// Lines without a 64 character digest are ignored.
func parseChecksums(r io.Reader) (map[string]string, error) {
	sums := make(map[string]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || len(fields[0]) != sha256.Size*2 {
			continue
		}
		sums[strings.TrimPrefix(fields[len(fields)-1], "*")] = strings.ToLower(fields[0])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}
	return sums, nil
}

// extractTarGz writes the regular file named name, matched by base name, from
// the archive into dir.
func extractTarGz(r io.Reader, dir, name string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%q not found in archive", name)
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Base(hdr.Name) != name {
			continue
		}

		dest := filepath.Join(dir, name)
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, io.LimitReader(tr, hdr.Size)); err != nil {
			out.Close()
			return fmt.Errorf("write %s: %w", dest, err)
		}
		return out.Close()
	}
}
