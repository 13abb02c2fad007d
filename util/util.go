package util

import (
	"crypto/md5" //#nosec
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var (
	ErrInvalidPath = errors.New("path cannot be empty string")

	ErrFileDoesNotExist = errors.New("file does not exist")
	ErrFileIsEmtpy      = errors.New("file is empty")
	ErrPathIsDir        = errors.New("given path is a directory, not a file")
)

type FixedString struct {
	Data [16]byte
}

func NewFixedStringHash(args ...string) (FixedString, error) {
	if len(args) == 0 {
		return FixedString{}, errors.New("no arguments provided")
	}

	joined := strings.Join(args, "")
	if joined == "" {
		return FixedString{}, errors.New("joined string is empty")
	}

	//#nosec
	hash := md5.Sum([]byte(joined))

	fs := FixedString{
		Data: hash,
	}
	return fs, nil
}

func (bin *FixedString) Hex() string {
	return strings.ToUpper(hex.EncodeToString(bin.Data[:]))
}

// ValidateTimestamp replaces timestamps that fall outside of the representable
// range with a minimal valid timestamp
func ValidateTimestamp(timestamp time.Time) (time.Time, bool) {
	if timestamp.UTC().Unix() > 0 {
		return timestamp, false
	}
	return time.Unix(0, 1), true
}

// GetFileContents reads the file at the given path into memory
func GetFileContents(afs afero.Fs, path string) ([]byte, error) {
	if err := ValidateFile(afs, path); err != nil {
		return nil, err
	}
	contents, err := afero.ReadFile(afs, path)
	if err != nil {
		return nil, err
	}
	return contents, nil
}

func ParseRelativePath(dir string) (string, error) {
	// validate parameters
	if dir == "" {
		return "", ErrInvalidPath
	}

	switch {
	// if path is home, parse and set home dir
	case strings.HasPrefix(dir, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, dir[2:]), nil
	// if the path starts with a dot, get the path relative to the current working directory
	case strings.HasPrefix(dir, "."):
		currentDir, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(currentDir, dir), nil
	default:
		// otherwise, return the directory as is
		return dir, nil
	}
}

// Validate File
func ValidateFile(afs afero.Fs, file string) error {
	// validate path
	exists, isDir, isEmpty, err := validatePath(afs, file)
	if err != nil {
		return err
	}

	// check if file exists
	if !exists {
		return fmt.Errorf("%w: %s", ErrFileDoesNotExist, file)
	}

	// check if path is a directory
	if isDir {
		return fmt.Errorf("%w: %s", ErrPathIsDir, file)
	}

	// check if file is empty
	if isEmpty {
		return fmt.Errorf("%w: %s", ErrFileIsEmtpy, file)
	}

	return nil
}

func validatePath(afs afero.Fs, path string) (bool, bool, bool, error) {
	var exists, isDir, isEmpty bool

	// validate parameters
	if afs == nil {
		return exists, isDir, isEmpty, fmt.Errorf("filesystem is nil")
	}
	if path == "" {
		return exists, isDir, isEmpty, ErrInvalidPath
	}

	// check if path exists
	exists, err := afero.Exists(afs, path)
	if err != nil {
		return exists, isDir, isEmpty, err
	}

	if exists {
		// check if path is a directory
		isDir, err = afero.IsDir(afs, path)
		if err != nil {
			return exists, isDir, isEmpty, err
		}

		// check if directory is empty
		isEmpty, err = afero.IsEmpty(afs, path)
		if err != nil {
			return exists, isDir, isEmpty, err
		}
	}

	return exists, isDir, isEmpty, nil
}
