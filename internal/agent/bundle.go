package agent

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Bundle errors surfaced on the deployment record.
var (
	ErrNoCompose = errors.New("Bundle missing docker-compose.yml")
	// ErrAmbiguousCompose matches the operator-facing wording exactly.
	ErrAmbiguousCompose = errors.New("Bundle has multiple docker-compose files and no root compose")
)

// errUnsafePath is raised when an archive member would escape the
// destination root; the whole extraction fails.
type errUnsafePath struct{ name string }

func (e *errUnsafePath) Error() string { return "unsafe archive member path: " + e.name }

// MaterializeBundle extracts an uploaded archive (zip, tar, or tar.gz,
// detected by magic bytes) into a fresh temporary directory.
func MaterializeBundle(data []byte) (string, error) {
	dir, err := os.MkdirTemp("", "ee-bundle-")
	if err != nil {
		return "", err
	}
	if err := extractArchive(data, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func extractArchive(data []byte, dest string) error {
	switch {
	case len(data) >= 4 && bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return extractZip(data, dest)
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return err
		}
		defer gz.Close()
		return extractTar(gz, dest)
	default:
		return extractTar(bytes.NewReader(data), dest)
	}
}

// securePath joins name under root, failing when the member escapes it.
func securePath(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", &errUnsafePath{name: name}
	}
	joined := filepath.Join(root, name)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", &errUnsafePath{name: name}
	}
	return joined, nil
}

func extractZip(data []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open zip bundle: %w", err)
	}
	for _, member := range zr.File {
		target, err := securePath(dest, member.Name)
		if err != nil {
			return err
		}
		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := member.Open()
		if err != nil {
			return err
		}
		if err := writeMember(target, rc, member.Mode()); err != nil {
			rc.Close()
			return err
		}
		rc.Close()
	}
	return nil
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar bundle: %w", err)
		}
		target, err := securePath(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeMember(target, tr, fs.FileMode(hdr.Mode)); err != nil {
				return err
			}
		default:
			// Links could point outside the root; bundles have no use
			// for them.
			return &errUnsafePath{name: hdr.Name}
		}
	}
}

func writeMember(target string, r io.Reader, mode fs.FileMode) error {
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// bundleContents is what loadBundle digs out of an extracted bundle tree.
type bundleContents struct {
	ComposePath    string
	EnvPublic      string
	AuthorizedKeys string
	ExtraFiles     []extraFile
}

type extraFile struct {
	Path    string
	Content []byte
	Mode    fs.FileMode
}

var composeNames = map[string]bool{
	"docker-compose.yml":  true,
	"docker-compose.yaml": true,
}

// loadBundle locates the compose file (exactly one expected; with several,
// only a root-level one disambiguates) and gathers env and extra files.
func loadBundle(root string) (*bundleContents, error) {
	var composePaths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && composeNames[info.Name()] {
			composePaths = append(composePaths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var composePath string
	switch len(composePaths) {
	case 0:
		return nil, ErrNoCompose
	case 1:
		composePath = composePaths[0]
	default:
		for _, p := range composePaths {
			if filepath.Dir(p) == root {
				composePath = p
				break
			}
		}
		if composePath == "" {
			return nil, ErrAmbiguousCompose
		}
	}

	contents := &bundleContents{ComposePath: composePath}
	if data, err := os.ReadFile(filepath.Join(root, ".env.public")); err == nil {
		contents.EnvPublic = string(data)
	}
	if data, err := os.ReadFile(filepath.Join(root, "authorized_keys")); err == nil {
		contents.AuthorizedKeys = string(data)
	}

	skipNames := map[string]bool{
		".env.public":     true,
		"authorized_keys": true,
		"bundle.zip":      true,
	}
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		name := info.Name()
		if composeNames[name] || skipNames[name] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		contents.ExtraFiles = append(contents.ExtraFiles, extraFile{
			Path:    rel,
			Content: data,
			Mode:    info.Mode().Perm(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return contents, nil
}
