package preview

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"unicode/utf8"
)

// maxContentBytes caps how much of a file is returned for preview. Larger
// files come back truncated; Size always reports the full size.
const maxContentBytes = 1 << 20

// binarySniffBytes is how far into the file we look for NUL bytes, matching
// git's text/binary heuristic.
const binarySniffBytes = 8000

var ErrIsDirectory = errors.New("path is a directory")

// File is a previewable file payload for the renderer.
type File struct {
	// Path is the cleaned worktree-relative path.
	Path string `json:"path"`
	// Size is the full on-disk size in bytes.
	Size int64 `json:"size"`
	// Binary marks content that is base64-encoded rather than UTF-8 text.
	Binary bool `json:"binary"`
	// Truncated marks content cut at the preview cap.
	Truncated bool   `json:"truncated"`
	Content   string `json:"content"`
}

// Read returns the contents of relPath beneath root. relPath is cleaned and
// must stay inside root; traversal and absolute paths are rejected.
func Read(root, relPath string) (*File, error) {
	clean, err := cleanRelativePath(relPath)
	if err != nil {
		return nil, err
	}

	full := filepath.Join(root, clean)
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrIsDirectory
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make([]byte, maxContentBytes)
	n, err := io.ReadFull(f, data)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read file: %w", err)
	}
	data = data[:n]

	out := &File{
		Path:      filepath.ToSlash(clean),
		Size:      info.Size(),
		Truncated: info.Size() > int64(n),
	}

	if isBinary(data, out.Truncated) {
		out.Binary = true
		out.Content = base64.StdEncoding.EncodeToString(data)
		return out, nil
	}

	if out.Truncated {
		data = trimPartialRune(data)
	}
	out.Content = string(data)
	return out, nil
}

// Reveal shows a path in the OS file manager. The child is started and not
// waited on; file managers may block until closed.
func Reveal(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat path: %w", err)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", "-R", path)
	case "windows":
		cmd = exec.Command("explorer", "/select,"+path)
	default:
		// xdg-open has no "select file" mode; open the containing directory.
		cmd = exec.Command("xdg-open", filepath.Dir(path))
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open file manager: %w", err)
	}
	go cmd.Wait()
	return nil
}

// isBinary applies git's heuristic: a NUL byte near the start means binary,
// as does content that is not valid UTF-8. A rune split by the preview cap
// does not count as invalid.
func isBinary(data []byte, truncated bool) bool {
	head := data
	if len(head) > binarySniffBytes {
		head = head[:binarySniffBytes]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	if truncated {
		data = trimPartialRune(data)
	}
	return !utf8.Valid(data)
}

// trimPartialRune drops a trailing incomplete UTF-8 sequence left by the
// size cap so truncated text still validates.
func trimPartialRune(data []byte) []byte {
	for i := 0; i < 3 && len(data) > 0; i++ {
		r, size := utf8.DecodeLastRune(data)
		if r != utf8.RuneError || size != 1 {
			return data
		}
		data = data[:len(data)-1]
	}
	return data
}

func cleanRelativePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	clean := filepath.Clean(p)
	if clean == "." || clean == "" {
		return "", fmt.Errorf("path is required")
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal is not allowed")
	}
	return clean, nil
}
