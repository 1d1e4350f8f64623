package sepcorr

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// ConvertedPath returns the corrected-output path for input: "_converted"
// is inserted before the extension, or appended when there is none.
func ConvertedPath(input string) string {
	ext := filepath.Ext(input)
	if ext == "" || ext == filepath.Base(input) {
		return input + "_converted"
	}
	return strings.TrimSuffix(input, ext) + "_converted" + ext
}

// filteredPath returns the temporary path the filtered copy is written to.
// It lives next to input so the final rename stays on one filesystem.
func filteredPath(input string) string {
	return input + ".filtered.tmp"
}

// rename is swapped out in tests.
var rename = os.Rename

// ReplaceFile moves src over dst. If the rename fails, for instance across
// filesystems, the content is copied into dst and src is removed; only a
// failure of that copy is returned.
func ReplaceFile(src, dst string, logger *log.Logger) error {
	renameErr := rename(src, dst)
	if renameErr == nil {
		return nil
	}
	if logger != nil {
		logger.Printf("warning: rename %s -> %s failed, copying instead: %v", src, dst, renameErr)
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("replacing %s: rename: %v; copy: %w", dst, renameErr, err)
	}
	if err := os.Remove(src); err != nil && logger != nil {
		logger.Printf("warning: failed to remove %s: %v", src, err)
	}
	return nil
}

// copyFile overwrites dst with the content of src, keeping dst's mode.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dst, err)
	}

	bw := bufio.NewWriterSize(out, readBufferSize)
	if _, err := io.Copy(bw, in); err != nil {
		out.Close()
		return fmt.Errorf("writing file %s: %w", dst, err)
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("writing file %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("syncing file %s: %w", dst, err)
	}
	// Explicitly close to catch flush errors (e.g., on NFS).
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing file %s: %w", dst, err)
	}
	return nil
}
