package preview

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRead_Text(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "src/main.go", []byte("package main\n"))

	f, err := Read(root, "src/main.go")
	if err != nil {
		t.Fatal(err)
	}

	if f.Path != "src/main.go" {
		t.Errorf("path = %q", f.Path)
	}
	if f.Content != "package main\n" {
		t.Errorf("content = %q", f.Content)
	}
	if f.Binary || f.Truncated {
		t.Errorf("flags = binary:%v truncated:%v, want false/false", f.Binary, f.Truncated)
	}
	if f.Size != int64(len("package main\n")) {
		t.Errorf("size = %d", f.Size)
	}
}

func TestRead_CleansDotSegments(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "sub/file.txt", []byte("x"))

	f, err := Read(root, "sub/../sub/./file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if f.Path != "sub/file.txt" {
		t.Errorf("path = %q, want sub/file.txt", f.Path)
	}
}

func TestRead_RejectsUnsafePaths(t *testing.T) {
	root := t.TempDir()

	tests := []string{
		"",
		"   ",
		".",
		"..",
		"../outside.txt",
		"sub/../../outside.txt",
		"/etc/passwd",
	}
	for _, rel := range tests {
		t.Run(rel, func(t *testing.T) {
			if _, err := Read(root, rel); err == nil {
				t.Errorf("Read(%q) succeeded, want error", rel)
			}
		})
	}
}

func TestRead_Directory(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	_, err := Read(root, "sub")
	if !errors.Is(err, ErrIsDirectory) {
		t.Fatalf("err = %v, want ErrIsDirectory", err)
	}
}

func TestRead_Missing(t *testing.T) {
	_, err := Read(t.TempDir(), "nope.txt")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestRead_Binary(t *testing.T) {
	root := t.TempDir()
	data := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01, 0xFF}
	writeTestFile(t, root, "img.png", data)

	f, err := Read(root, "img.png")
	if err != nil {
		t.Fatal(err)
	}
	if !f.Binary {
		t.Fatal("expected binary flag")
	}
	decoded, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		t.Fatalf("content is not base64: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Errorf("decoded = %v, want %v", decoded, data)
	}
}

func TestRead_TruncatesLargeFiles(t *testing.T) {
	root := t.TempDir()
	data := bytes.Repeat([]byte("a"), maxContentBytes+100)
	writeTestFile(t, root, "big.log", data)

	f, err := Read(root, "big.log")
	if err != nil {
		t.Fatal(err)
	}
	if !f.Truncated {
		t.Fatal("expected truncated flag")
	}
	if len(f.Content) != maxContentBytes {
		t.Errorf("content length = %d, want %d", len(f.Content), maxContentBytes)
	}
	if f.Size != int64(len(data)) {
		t.Errorf("size = %d, want %d", f.Size, len(data))
	}
	if f.Binary {
		t.Error("text file should not be binary")
	}
}

func TestIsBinary(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		truncated bool
		want      bool
	}{
		{"plain text", []byte("hello world"), false, false},
		{"utf8 text", []byte("héllo wörld"), false, false},
		{"empty", nil, false, false},
		{"nul byte", []byte{'a', 0x00, 'b'}, false, true},
		{"invalid utf8", []byte{'a', 0xFF, 'b'}, false, true},
		{"split rune at cap", append([]byte("caf"), 0xC3), true, false},
		{"split rune untruncated", append([]byte("caf"), 0xC3), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isBinary(tt.data, tt.truncated); got != tt.want {
				t.Errorf("isBinary = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrimPartialRune(t *testing.T) {
	euro := []byte("€") // 3 bytes

	full := append([]byte("x"), euro...)
	if got := trimPartialRune(full); !bytes.Equal(got, full) {
		t.Errorf("complete rune should be untouched, got %v", got)
	}

	cut := full[:len(full)-1]
	if got := trimPartialRune(cut); !bytes.Equal(got, []byte("x")) {
		t.Errorf("partial rune should be dropped, got %v", got)
	}
}
