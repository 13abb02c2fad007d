package util

import (
	"crypto/md5" // #nosec G501
	"os"
	"path"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestNewFixedStringHash(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expected    FixedString
		expectedErr bool
	}{
		{
			name: "Single string",
			args: []string{"hello"},
			expected: FixedString{
				// #nosec G401 : this md5 is used for hashing, not for security
				Data: md5.Sum([]byte("hello")),
			},
			expectedErr: false,
		},
		{
			name: "Multiple strings",
			args: []string{"hello", "world"},
			expected: FixedString{
				Data: md5.Sum([]byte("helloworld")), // #nosec G401
			},
			expectedErr: false,
		},
		{
			name: "Whitespace strings",
			args: []string{" ", " "},
			expected: FixedString{
				Data: md5.Sum([]byte("  ")), // #nosec G401
			},
			expectedErr: false,
		},
		{
			name:        "Empty string",
			args:        []string{""},
			expectedErr: true,
		},
		{
			name:        "Multiple empty strings",
			args:        []string{"", ""},
			expectedErr: true,
		},
		{
			name:        "No arguments",
			args:        []string{},
			expectedErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result, err := NewFixedStringHash(test.args...)
			if test.expectedErr {
				require.Error(t, err, "error was expected")
			} else {
				require.NoError(t, err, "generating hash should not produce an error")
				require.Equal(t, test.expected, result, "hash should match expected value")
			}
		})
	}
}

func TestFixedString_Hex(t *testing.T) {
	tests := []struct {
		name     string
		input    FixedString
		expected string
	}{
		{
			name:     "All Zeros",
			input:    FixedString{Data: [16]byte{}},
			expected: "00000000000000000000000000000000",
		},
		{
			name:     "Mixed Data",
			input:    FixedString{Data: [16]byte{0x0, 0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7, 0x8, 0x9, 0xA, 0xB, 0xC, 0xD, 0xE, 0xF}},
			expected: "000102030405060708090A0B0C0D0E0F",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := test.input.Hex()
			require.Equal(t, test.expected, result)
		})
	}
}

func TestValidateTimestamp(t *testing.T) {
	tests := []struct {
		name         string
		timestamp    time.Time
		expectedTime time.Time
		replaced     bool
	}{
		{
			name:         "Valid timestamp",
			timestamp:    time.Date(2026, time.January, 3, 23, 24, 10, 0, time.Local),
			expectedTime: time.Date(2026, time.January, 3, 23, 24, 10, 0, time.Local),
			replaced:     false,
		},
		{
			name:         "Log Floating-Point Timestamp",
			timestamp:    time.Unix(1517336108, int64((0.231879)*1e9)), // 1517336108.231879
			expectedTime: time.Unix(1517336108, 231879000),
			replaced:     false,
		},
		{
			name:         "Unset Timestamp",
			timestamp:    time.Time{},
			expectedTime: time.Unix(0, 1),
			replaced:     true,
		},
		{
			name:         "Negative timestamp",
			timestamp:    time.Unix(-1, 0),
			expectedTime: time.Unix(0, 1),
			replaced:     true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ts, replaced := ValidateTimestamp(test.timestamp)
			require.Equal(t, test.expectedTime, ts, "timestamp should match expected value")
			require.Equal(t, test.replaced, replaced, "replaced should match expected value")
		})
	}
}

func TestParseRelativePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	workingDir, err := os.Getwd()
	require.NoError(t, err)

	currentDir := path.Dir(path.Join(workingDir))

	tests := []struct {
		name        string
		path        string
		expected    string
		expectedErr error
	}{
		{
			name:     "Home directory",
			path:     "~/data",
			expected: home + "/data",
		},
		{
			name:     "Current directory path",
			path:     "./",
			expected: workingDir,
		},
		{
			name:     "Relative directory - 1 deep",
			path:     "./data",
			expected: workingDir + "/data",
		},
		{
			name:     "Relative directory - 2 deep",
			path:     "../data",
			expected: currentDir + "/data",
		},
		{
			name:     "Absolute path",
			path:     "/home/logs",
			expected: "/home/logs",
		},
		{
			name:        "Empty path",
			expected:    "",
			expectedErr: ErrInvalidPath,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result, err := ParseRelativePath(test.path)
			if test.expectedErr != nil {
				require.ErrorIs(t, err, test.expectedErr, "error should match expected value")
			} else {
				require.NoError(t, err, "parsing relative path should not produce an error")
				require.Equal(t, test.expected, result, "relative path should match expected value")
			}
		})
	}
}

func TestValidateFile(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(afs afero.Fs)
		file          string
		expectedError error
	}{
		{
			name: "File is Valid",
			setup: func(afs afero.Fs) {
				require.NoError(t, afero.WriteFile(afs, "/file.txt", []byte("content"), 0644))
			},
			file: "/file.txt",
		},
		{
			name: "File is Empty",
			setup: func(afs afero.Fs) {
				require.NoError(t, afero.WriteFile(afs, "/emptyfile.txt", []byte(""), 0644))
			},
			file:          "/emptyfile.txt",
			expectedError: ErrFileIsEmtpy,
		},
		{
			name:          "File Does Not Exist",
			setup:         func(_ afero.Fs) {},
			file:          "/nonexistent",
			expectedError: ErrFileDoesNotExist,
		},
		{
			name: "Path is a Directory",
			setup: func(afs afero.Fs) {
				require.NoError(t, afs.Mkdir("/directory", 0755))
			},
			file:          "/directory",
			expectedError: ErrPathIsDir,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			afs := afero.NewMemMapFs()
			test.setup(afs)

			err := ValidateFile(afs, test.file)
			if test.expectedError != nil {
				require.ErrorIs(t, err, test.expectedError, "error should match expected value")
			} else {
				require.NoError(t, err, "validating file should not produce an error")
			}
		})
	}
}

func TestGetFileContents(t *testing.T) {
	tests := []struct {
		name          string
		path          string
		fileContents  []byte
		expectedError error
	}{
		{
			name:         "Valid Generated file",
			path:         "/valid/file/path",
			fileContents: []byte("file contents"),
		},
		{
			name:          "Empty File",
			path:          "/invalid/file/path",
			fileContents:  []byte(""),
			expectedError: ErrFileIsEmtpy,
		},
		{
			name:          "Invalid File Path",
			path:          "/missing/file/path",
			expectedError: ErrFileDoesNotExist,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			afs := afero.NewMemMapFs()

			if test.fileContents != nil {
				require.NoError(t, afero.WriteFile(afs, test.path, test.fileContents, 0644), "failed to create file")
			}

			result, err := GetFileContents(afs, test.path)
			if test.expectedError != nil {
				require.ErrorIs(t, err, test.expectedError, "error should match expected value")
			} else {
				require.NoError(t, err, "did not expect an error but got one")
				require.Equal(t, test.fileContents, result, "file contents should match expected value")
			}
		})
	}
}
