package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/element-hq/element-builder/internal/config"
)

// ErrNoArtifacts means a build exited zero but produced nothing matching
// the configured patterns. That counts as a failed build: an installer run
// that installs nothing is worse than an honest failure.
var ErrNoArtifacts = errors.New("no artifacts matched in dist directory")

// ChecksumFile is the digest manifest written next to a version's artifacts.
const ChecksumFile = "SHA256SUMS"

// Collected describes one artifact staged for publishing.
type Collected struct {
	// Source is the original path inside the dist tree.
	Source string
	// Path is where the artifact now lives in the staging tree.
	Path string
	// Name is the staged file name.
	Name   string
	Size   int64
	SHA256 string
}

// Manager stages build artifacts under <staging>/<version>/ where the
// publisher picks them up.
type Manager struct {
	dir      string
	patterns []string
	log      *zap.Logger
}

// NewManager creates a manager staging into stagingDir. Patterns are
// doublestar globs matched against paths relative to each build's dist
// directory.
func NewManager(stagingDir string, patterns []string, log *zap.Logger) (*Manager, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid artifact pattern %q", p)
		}
	}
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Manager{dir: stagingDir, patterns: patterns, log: log}, nil
}

// Dir returns the staging root.
func (m *Manager) Dir() string {
	return m.dir
}

// VersionDir returns the staging directory for one version.
func (m *Manager) VersionDir(version string) string {
	return filepath.Join(m.dir, version)
}

// Collect copies one finished target's artifacts out of its dist tree into
// the version's staging directory. Installers are renamed to the canonical
// <product>-<version>-<platform>-<arch>.<ext> form; Squirrel update files
// (RELEASES, *.nupkg) keep their names because the updater requests them
// verbatim.
func (m *Manager) Collect(distDir, product, version string, target config.Target) ([]Collected, error) {
	matches, err := m.findMatches(distDir)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s produced none under %s", ErrNoArtifacts, target.Name(), distDir)
	}

	destDir := m.VersionDir(version)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create version directory: %w", err)
	}

	staged := make([]Collected, 0, len(matches))
	names := make(map[string]string, len(matches))
	for _, src := range matches {
		name := canonicalName(filepath.Base(src), product, version, target)
		if prev, ok := names[name]; ok {
			return nil, fmt.Errorf("artifacts %s and %s both map to %s", prev, src, name)
		}
		names[name] = src

		c, err := m.stage(src, filepath.Join(destDir, name))
		if err != nil {
			return nil, err
		}
		c.Name = name
		staged = append(staged, c)

		m.log.Info("collected artifact",
			zap.String("target", target.Name()),
			zap.String("name", name),
			zap.Int64("size", c.Size))
	}
	return staged, nil
}

// WriteChecksums regenerates the version's SHA256SUMS from everything staged
// so far. The format is what sha256sum -c expects, so mirror users can
// verify downloads directly.
func (m *Manager) WriteChecksums(version string) error {
	dir := m.VersionDir(version)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read version directory: %w", err)
	}

	var lines []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == ChecksumFile {
			continue
		}
		sum, err := fileSHA256(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		lines = append(lines, fmt.Sprintf("%s  %s", sum, e.Name()))
	}
	if len(lines) == 0 {
		return fmt.Errorf("nothing staged for version %s", version)
	}

	// ReadDir returns entries sorted by name, so the manifest is stable.
	data := strings.Join(lines, "\n") + "\n"

	tmp := filepath.Join(dir, ChecksumFile+".tmp")
	if err := os.WriteFile(tmp, []byte(data), 0644); err != nil {
		return fmt.Errorf("failed to write checksums: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ChecksumFile)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to finalize checksums: %w", err)
	}
	return nil
}

// findMatches walks distDir and returns every file matching a configured
// pattern. A missing dist directory yields no matches rather than an error;
// the caller turns an empty result into ErrNoArtifacts.
func (m *Manager) findMatches(distDir string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(distDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(distDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range m.patterns {
			ok, err := doublestar.Match(pattern, rel)
			if err != nil {
				return fmt.Errorf("failed to match pattern %q: %w", pattern, err)
			}
			if ok {
				matches = append(matches, path)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan dist directory: %w", err)
	}
	return matches, nil
}

// stage copies src into the staging tree, hashing it on the way through.
// The copy goes to a temp name first so a crash never leaves a half-copied
// installer where the publisher would sync it.
func (m *Manager) stage(src, dest string) (Collected, error) {
	in, err := os.Open(src)
	if err != nil {
		return Collected{}, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return Collected{}, fmt.Errorf("failed to create staged artifact: %w", err)
	}

	sum := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, sum), in)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return Collected{}, fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return Collected{}, fmt.Errorf("failed to close staged artifact: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return Collected{}, fmt.Errorf("failed to finalize staged artifact: %w", err)
	}

	return Collected{
		Source: src,
		Path:   dest,
		Size:   written,
		SHA256: hex.EncodeToString(sum.Sum(nil)),
	}, nil
}

// canonicalName maps a dist file name onto its staged name.
func canonicalName(base, product, version string, target config.Target) string {
	if base == "RELEASES" || strings.HasSuffix(base, ".nupkg") {
		return base
	}
	ext := filepath.Ext(base)
	if strings.HasSuffix(base, ".tar.gz") {
		ext = ".tar.gz"
	}
	return fmt.Sprintf("%s-%s-%s-%s%s", product, version, target.Platform, target.Arch, ext)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
