package web

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed static/*
var staticFS embed.FS

// FileSystem returns the watch page assets. dir overrides the embedded copy
// for local development.
func FileSystem(dir string) (fs.FS, error) {
	if dir != "" {
		return os.DirFS(dir), nil
	}
	return fs.Sub(staticFS, "static")
}
