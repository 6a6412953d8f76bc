// Package checksums reads, verifies and rewrites sha256sum-style checksum
// manifests ("<hex> <filename>" per line) as shipped in release assets.
package checksums

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Entry is a single manifest line.
type Entry struct {
	Hash string // lowercase hex digest
	Name string // filename, as written in the manifest
}

// Parse reads a checksum manifest. Blank lines are skipped; the sha256sum
// binary-mode "*" filename marker is stripped. Filenames may contain spaces.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		idx := strings.IndexAny(text, " \t")
		if idx <= 0 {
			return nil, fmt.Errorf("malformed checksum line %d: %q", line, text)
		}

		hash := strings.ToLower(text[:idx])
		name := strings.TrimLeft(text[idx:], " \t")
		name = strings.TrimPrefix(name, "*")
		if name == "" {
			return nil, fmt.Errorf("malformed checksum line %d: missing filename", line)
		}
		if _, err := hex.DecodeString(hash); err != nil {
			return nil, fmt.Errorf("malformed checksum line %d: bad digest %q", line, hash)
		}

		entries = append(entries, Entry{Hash: hash, Name: name})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Rewrite copies a manifest from r to w, mapping every filename through
// rename. Hashes are carried over unchanged: they cover file content, which
// renaming does not affect.
func Rewrite(r io.Reader, w io.Writer, rename func(string) string) error {
	entries, err := Parse(r)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%s %s\n", e.Hash, rename(e.Name)); err != nil {
			return err
		}
	}
	return nil
}

// FileSHA256 computes the hex SHA-256 digest of a file's content.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile checks a file's content against the expected hex digest.
func VerifyFile(path, wantHex string) error {
	got, err := FileSHA256(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, wantHex) {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", path, got, wantHex)
	}
	return nil
}
