package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrOutsideRoot = errors.New("path escapes storage root")
)

// artifactFileName matches the content-addressed layout: sha256 hex digest
// plus the fixed archive extension.
var artifactFileName = regexp.MustCompile(`^[0-9a-f]{64}\.tar\.gz$`)

const artifactExtension = ".tar.gz"

type StoredArtifact struct {
	Checksum string
	FileName string
	Path     string
	Size     int64
}

// Store persists validated archives under names derived from their content.
// Identical bytes always land on the same path, so re-uploading a package
// archive that already exists is a no-op.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve storage root")
	}
	if err = os.MkdirAll(abs, 0o700); err != nil {
		return nil, errors.Wrap(err, "create storage root")
	}
	// MkdirAll leaves permissions alone for a pre-existing directory.
	if err = os.Chmod(abs, 0o700); err != nil {
		return nil, errors.Wrap(err, "restrict storage root permissions")
	}
	return &Store{root: abs}, nil
}

// Save writes the buffer under its sha256-derived name. If a file with that
// name already exists its content is bit-identical, so the write is skipped.
func (s *Store) Save(buf []byte) (*StoredArtifact, error) {
	sum := sha256.Sum256(buf)
	checksum := hex.EncodeToString(sum[:])
	fileName := checksum + artifactExtension

	path, err := s.resolve(fileName)
	if err != nil {
		return nil, err
	}

	artifact := &StoredArtifact{
		Checksum: checksum,
		FileName: fileName,
		Path:     path,
		Size:     int64(len(buf)),
	}

	if _, err = os.Stat(path); err == nil {
		return artifact, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "stat artifact")
	}

	if err = os.WriteFile(path, buf, 0o600); err != nil {
		return nil, errors.Wrap(err, "write artifact")
	}

	return artifact, nil
}

// Retrieve reads an artifact back by checksum.
func (s *Store) Retrieve(checksum string) ([]byte, error) {
	fileName := checksum + artifactExtension
	if !artifactFileName.MatchString(fileName) {
		return nil, ErrNotFound
	}

	path, err := s.resolve(fileName)
	if err != nil {
		return nil, err
	}

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read artifact")
	}
	return buf, nil
}

// Open returns the on-disk path for a stored artifact file name, verifying
// both the content-addressed naming scheme and root containment.
func (s *Store) Open(fileName string) (string, error) {
	if !artifactFileName.MatchString(fileName) {
		return "", ErrNotFound
	}
	path, err := s.resolve(fileName)
	if err != nil {
		return "", err
	}
	if _, err = os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", errors.Wrap(err, "stat artifact")
	}
	return path, nil
}

// Delete removes a stored file. The path is re-resolved and checked against
// the root so a derived path can never escape the storage directory.
func (s *Store) Delete(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "resolve artifact path")
	}
	if !s.contains(abs) {
		return ErrOutsideRoot
	}
	if err = os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove artifact")
	}
	return nil
}

func (s *Store) resolve(fileName string) (string, error) {
	path, err := filepath.Abs(filepath.Join(s.root, fileName))
	if err != nil {
		return "", errors.Wrap(err, "resolve artifact path")
	}
	if !s.contains(path) {
		return "", ErrOutsideRoot
	}
	return path, nil
}

func (s *Store) contains(abs string) bool {
	return abs == s.root || strings.HasPrefix(abs, s.root+string(filepath.Separator))
}
