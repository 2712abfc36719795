package workflow

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"llmflow/internal/domain"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true,
}

// loadFiles reads files attached to a prompt state. Text files are returned
// as inline blocks; images and other binary files become attachments.
func loadFiles(paths []string) (string, []domain.Attachment, error) {
	var (
		text        strings.Builder
		attachments []domain.Attachment
	)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", nil, domain.NewSubSystemError("workflow", "loadFiles", domain.ErrFileUnavailable, err.Error())
		}

		name := filepath.Base(p)
		ext := strings.ToLower(filepath.Ext(p))
		if imageExtensions[ext] || isBinary(data) {
			mimeType := mime.TypeByExtension(ext)
			if mimeType == "" {
				mimeType = http.DetectContentType(data)
			}
			attachments = append(attachments, domain.Attachment{Name: name, MIMEType: mimeType, Data: data})
			continue
		}

		fmt.Fprintf(&text, "\n\n--- Content from %s ---\n%s", name, data)
	}
	return text.String(), attachments, nil
}

func isBinary(data []byte) bool {
	return !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0
}
