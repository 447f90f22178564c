package scanner_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codeforge/internal/scanner"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func newScanner(t *testing.T, maxSize int64, patterns []string) *scanner.Scanner {
	t.Helper()
	s, err := scanner.New(maxSize, patterns, nil)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	return s
}

func nLines(n int) string {
	return strings.Repeat("x\n", n-1) + "x"
}

func TestScanClassifiesAndSkips(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.py", nLines(20))
	writeFile(t, root, "app.min.js", "var a=1;")
	writeFile(t, root, "node_modules/lib.js", "module.exports = {};")

	res, err := newScanner(t, 1<<20, nil).Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.TotalFiles != 1 {
		t.Fatalf("total files = %d, want 1", res.TotalFiles)
	}
	if res.TotalLines != 20 {
		t.Fatalf("total lines = %d, want 20", res.TotalLines)
	}
	if len(res.Languages) != 1 || res.Languages["python"] != 100 {
		t.Fatalf("languages = %v, want python 100", res.Languages)
	}
}

func TestScanCountsLastLineWithoutTrailingNewline(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n\nfunc A() {}")

	res, err := newScanner(t, 1<<20, nil).Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.TotalLines != 3 {
		t.Fatalf("total lines = %d, want 3", res.TotalLines)
	}
}

func TestScanSkipsOversizedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.go", strings.Repeat("a", 200))

	res, err := newScanner(t, 100, nil).Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.TotalFiles != 0 || res.TotalLines != 0 {
		t.Fatalf("oversized file counted: files=%d lines=%d", res.TotalFiles, res.TotalLines)
	}
	if len(res.Languages) != 0 {
		t.Fatalf("languages for oversized-only tree: %v", res.Languages)
	}
}

func TestScanSkipsUnknownExtensions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "notes.xyz", nLines(5))
	writeFile(t, root, "script.sh", nLines(5))

	res, err := newScanner(t, 1<<20, nil).Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.TotalFiles != 1 {
		t.Fatalf("total files = %d, want 1", res.TotalFiles)
	}
	if _, ok := res.Languages["shell"]; !ok {
		t.Fatalf("languages = %v, want shell present", res.Languages)
	}
}

func TestScanSkipListAppliesAtAnyDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/deep/node_modules/x/y.js", "var x;")
	writeFile(t, root, "src/app.ts", nLines(2))
	writeFile(t, root, "src/vendor/dep.go", "package dep")

	res, err := newScanner(t, 1<<20, nil).Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.TotalFiles != 1 {
		t.Fatalf("total files = %d, want 1: %+v", res.TotalFiles, res.Files)
	}
	if res.Files[0].Path != "src/app.ts" {
		t.Fatalf("kept file = %s, want src/app.ts", res.Files[0].Path)
	}
}

func TestScanLanguagePercentagesRound(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", nLines(2))
	writeFile(t, root, "b.py", nLines(1))

	res, err := newScanner(t, 1<<20, nil).Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Languages["go"] != 67 {
		t.Fatalf("go = %d, want 67", res.Languages["go"])
	}
	if res.Languages["python"] != 33 {
		t.Fatalf("python = %d, want 33", res.Languages["python"])
	}
	for lang, pct := range res.Languages {
		if pct == 0 {
			t.Fatalf("zero-percent language present: %s", lang)
		}
	}
}

func TestScanExtraPatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "gen/schema.go", "package gen")
	writeFile(t, root, "main.go", "package main")

	res, err := newScanner(t, 1<<20, []string{"gen/*"}).Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.TotalFiles != 1 || res.Files[0].Path != "main.go" {
		t.Fatalf("files = %+v, want only main.go", res.Files)
	}
}

func TestScanMissingRootFatal(t *testing.T) {
	if _, err := newScanner(t, 1<<20, nil).Scan(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestScanRejectsBadPattern(t *testing.T) {
	if _, err := scanner.New(1<<20, []string{"[unclosed"}, nil); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}
