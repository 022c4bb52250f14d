package client

import (
	"embed"
	"io/fs"
)

//go:embed web/index.html
var embeddedFiles embed.FS

// indexPage returns the single page UI
func indexPage() ([]byte, error) {
	return fs.ReadFile(embeddedFiles, "web/index.html")
}
