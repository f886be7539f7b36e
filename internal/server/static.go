// Package server serves the browser client's static assets next to the
// WebSocket endpoint.
package server

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

//go:embed web
var embeddedAssets embed.FS

var contentTypes = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
}

// AssetsFS returns dir as a filesystem when it names an existing directory,
// and the embedded client assets otherwise.
func AssetsFS(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
		log.Warn().Str("dir", dir).Msg("static directory not found; serving embedded assets")
	}

	sub, err := fs.Sub(embeddedAssets, "web")
	if err != nil {
		// The embed directive guarantees the directory exists.
		panic(err)
	}
	return sub
}

// StaticHandler maps request paths to files under root. "/" serves
// index.html; unknown files get a 404 "Not found".
type StaticHandler struct {
	root fs.FS
}

// NewStaticHandler returns a StaticHandler rooted at root.
func NewStaticHandler(root fs.FS) *StaticHandler {
	return &StaticHandler{root: root}
}

func (s *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := staticName(r.URL.Path)

	data, err := fs.ReadFile(s.root, name)
	if err != nil {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("static file not found")
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType(name, data))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("error writing static response")
	}
}

// staticName converts a URL path into an fs.FS name confined to the root.
func staticName(urlPath string) string {
	if urlPath == "" || urlPath == "/" {
		return "index.html"
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if cleaned == "" {
		return "index.html"
	}
	return cleaned
}

func contentType(name string, data []byte) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return mimetype.Detect(data).String()
}
