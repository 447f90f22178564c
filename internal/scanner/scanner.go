// Package scanner walks a cloned working tree and produces a language
// and line-count histogram for it. Files are held in memory only for
// the duration of one scan.
package scanner

import (
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// CodeFile is one classified source file, path relative to the scan root.
type CodeFile struct {
	Path     string
	Language string
	Size     int64
	Lines    int
}

// Result aggregates one scan. Languages maps language name to an
// integer percentage of total lines; rounding may make the values sum
// to slightly more or less than 100.
type Result struct {
	Files      []CodeFile
	TotalFiles int
	TotalLines int
	Languages  map[string]int
}

// languageByExt classifies files by extension, lowercased with the dot.
var languageByExt = map[string]string{
	".go":     "go",
	".py":     "python",
	".js":     "javascript",
	".jsx":    "javascript",
	".mjs":    "javascript",
	".ts":     "typescript",
	".tsx":    "typescript",
	".java":   "java",
	".c":      "c",
	".h":      "c",
	".cpp":    "cpp",
	".cc":     "cpp",
	".hpp":    "cpp",
	".cs":     "csharp",
	".rb":     "ruby",
	".php":    "php",
	".swift":  "swift",
	".kt":     "kotlin",
	".rs":     "rust",
	".scala":  "scala",
	".sh":     "shell",
	".bash":   "shell",
	".ps1":    "powershell",
	".html":   "html",
	".htm":    "html",
	".css":    "css",
	".scss":   "scss",
	".less":   "less",
	".sql":    "sql",
	".json":   "json",
	".yaml":   "yaml",
	".yml":    "yaml",
	".xml":    "xml",
	".md":     "markdown",
	".toml":   "toml",
	".ini":    "ini",
	".vue":    "vue",
	".dart":   "dart",
	".lua":    "lua",
	".pl":     "perl",
	".r":      "r",
	".groovy": "groovy",
	".proto":  "protobuf",
	".tf":     "terraform",
}

// skipEntries are matched against the bare name and against the
// relative path (contains).
var skipEntries = []string{
	"node_modules",
	".git",
	".svn",
	".hg",
	"dist",
	"build",
	"vendor",
	"target",
	"__pycache__",
	".idea",
	".vscode",
	".next",
	"coverage",
	"bower_components",
}

// skipSuffixes are wildcard patterns stripped to suffix-only matching.
var skipSuffixes = []string{
	"*.min.js",
	"*.min.css",
	"*.lock",
	"*.map",
	"*.log",
	"*.png",
	"*.jpg",
	"*.jpeg",
	"*.gif",
	"*.ico",
	"*.svg",
	"*.webp",
	"*.pdf",
	"*.zip",
	"*.tar",
	"*.gz",
	"*.7z",
	"*.jar",
	"*.war",
	"*.exe",
	"*.dll",
	"*.so",
	"*.dylib",
	"*.a",
	"*.o",
	"*.class",
	"*.pyc",
	"*.woff",
	"*.woff2",
	"*.ttf",
	"*.eot",
	"*.mp3",
	"*.mp4",
	"*.db",
	"*.sqlite",
}

type Scanner struct {
	MaxFileSize int64
	Log         *slog.Logger

	extra []glob.Glob
}

// New builds a Scanner. extraPatterns are user-supplied glob patterns
// (codebase settings exclude_patterns plus config-level excludes)
// matched against slash-separated relative paths.
func New(maxFileSize int64, extraPatterns []string, log *slog.Logger) (*Scanner, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scanner{MaxFileSize: maxFileSize, Log: log}
	for _, p := range extraPatterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		s.extra = append(s.extra, g)
	}
	return s, nil
}

func skipByName(name, relPath string) bool {
	for _, entry := range skipEntries {
		if name == entry || strings.Contains(relPath, entry) {
			return true
		}
	}
	for _, pattern := range skipSuffixes {
		if strings.HasSuffix(name, strings.TrimPrefix(pattern, "*")) {
			return true
		}
	}
	return false
}

func (s *Scanner) skipByPattern(relPath string) bool {
	for _, g := range s.extra {
		if g.Match(relPath) {
			return true
		}
	}
	return false
}

// countLines splits on newline; a file without a trailing newline still
// counts its last line.
func countLines(content []byte) int {
	return len(strings.Split(string(content), "\n"))
}

// Scan walks root and classifies every readable file under the size
// cap. Unreadable files are logged and skipped. An unreadable root is
// fatal.
func (s *Scanner) Scan(root string) (Result, error) {
	res := Result{Languages: map[string]int{}}
	if _, err := os.Stat(root); err != nil {
		return res, fmt.Errorf("scan root: %w", err)
	}
	linesByLang := map[string]int{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.Log.Warn("skipping unreadable entry", "path", path, "err", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		name := d.Name()
		if d.IsDir() {
			if skipByName(name, rel) || s.skipByPattern(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if skipByName(name, rel) || s.skipByPattern(rel) {
			return nil
		}
		lang, ok := languageByExt[strings.ToLower(filepath.Ext(name))]
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			s.Log.Warn("skipping unreadable file", "path", rel, "err", err)
			return nil
		}
		if s.MaxFileSize > 0 && info.Size() > s.MaxFileSize {
			s.Log.Debug("skipping oversized file", "path", rel, "size", info.Size())
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			s.Log.Warn("skipping unreadable file", "path", rel, "err", err)
			return nil
		}
		lines := countLines(content)
		res.Files = append(res.Files, CodeFile{Path: rel, Language: lang, Size: info.Size(), Lines: lines})
		res.TotalFiles++
		res.TotalLines += lines
		linesByLang[lang] += lines
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("scan %s: %w", root, err)
	}
	if res.TotalLines > 0 {
		for lang, lines := range linesByLang {
			res.Languages[lang] = int(math.Round(float64(lines) / float64(res.TotalLines) * 100))
		}
	}
	return res, nil
}
