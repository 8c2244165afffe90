package utils

import (
	"mime"
	"path/filepath"
	"strings"
)

const textPlain = "text/plain; charset=utf-8"

var textExts = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".log":  true,
	".yaml": true,
	".yml":  true,
	".toml": true,
}

// DetectContentType guesses the MIME type of a drive file from its extension.
// Unknown extensions are application/octet-stream.
func DetectContentType(key string) string {
	ext := strings.ToLower(filepath.Ext(key))
	if textExts[ext] {
		return textPlain
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}
