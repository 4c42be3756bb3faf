package checksum

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

const prefix = "blake3:"

// Bytes computes the BLAKE3 digest of data as "blake3:hexstring".
func Bytes(data []byte) string {
	sum := blake3.Sum256(data)
	return prefix + hex.EncodeToString(sum[:])
}

// Short returns the first n hex characters of the digest of data, for
// use in identifiers.
func Short(data []byte, n int) string {
	sum := blake3.Sum256(data)
	h := hex.EncodeToString(sum[:])
	if n > 0 && n < len(h) {
		return h[:n]
	}
	return h
}

// File computes the digest of a file, streaming its contents.
func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return prefix + hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify checks data against an expected "blake3:hexstring" digest.
func Verify(data []byte, expected string) error {
	if err := validFormat(expected); err != nil {
		return err
	}
	if actual := Bytes(data); actual != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// VerifyFile checks if a file's digest matches the expected value.
func VerifyFile(path string, expected string) error {
	if err := validFormat(expected); err != nil {
		return err
	}
	actual, err := File(path)
	if err != nil {
		return fmt.Errorf("failed to compute checksum: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

func validFormat(sum string) error {
	if !strings.HasPrefix(sum, prefix) {
		return fmt.Errorf("invalid checksum format: must start with %q", prefix)
	}
	if len(sum) != len(prefix)+64 {
		return fmt.Errorf("invalid checksum format: expected %d characters, got %d", len(prefix)+64, len(sum))
	}
	return nil
}
