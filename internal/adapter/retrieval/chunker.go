package retrieval

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// textExtensions are the document types indexed from a source directory.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".rst": true,
	".csv": true, ".json": true, ".yaml": true, ".yml": true,
	".html": true, ".go": true, ".py": true, ".js": true, ".ts": true,
}

// sourceFile is one document found under the source directory.
type sourceFile struct {
	Rel     string // slash-separated path relative to the source directory
	Path    string
	ModTime time.Time
}

// listSources returns indexable files under dir in lexical order.
// Hidden files and directories, including the cache files, are skipped.
func listSources(dir string) ([]sourceFile, error) {
	var files []sourceFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != dir && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !textExtensions[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, sourceFile{Rel: filepath.ToSlash(rel), Path: path, ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Rel < files[j].Rel })
	return files, nil
}

// newestModTime returns the latest modification time across files.
func newestModTime(files []sourceFile) time.Time {
	var newest time.Time
	for _, f := range files {
		if f.ModTime.After(newest) {
			newest = f.ModTime
		}
	}
	return newest
}

// chunkText splits text into pieces of at most size characters. Paragraphs
// are packed greedily; a paragraph longer than size is cut into windows that
// overlap by overlap characters. Sizes count runes, not bytes.
func chunkText(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var (
		chunks  []string
		current strings.Builder
		curLen  int
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		curLen = 0
	}

	for _, para := range splitParagraphs(text) {
		runes := []rune(para)
		if len(runes) > size {
			flush()
			chunks = append(chunks, windows(runes, size, overlap)...)
			continue
		}
		sep := 0
		if curLen > 0 {
			sep = 2
		}
		if curLen+sep+len(runes) > size {
			flush()
			sep = 0
		}
		if sep > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		curLen += sep + len(runes)
	}
	flush()
	return chunks
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func windows(runes []rune, size, overlap int) []string {
	step := size - overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// readDocument returns the text of a source file.
func readDocument(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
