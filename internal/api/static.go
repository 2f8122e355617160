package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// StaticHandler serves the watched root under Prefix and the index document
// at "/". Everything is sent with no-cache so a reload always revalidates.
type StaticHandler struct {
	prefix     string
	index      string
	fileServer http.Handler
}

// AssetPrefix is the URL prefix the root is served under: "/" plus its base
// name, matching the paths reported in updates.
func AssetPrefix(root string) string {
	base := filepath.Base(filepath.Clean(root))
	if base == "." || base == string(filepath.Separator) {
		return "/"
	}
	return "/" + base + "/"
}

func NewStaticHandler(root, prefix, index string) *StaticHandler {
	if prefix == "" {
		prefix = AssetPrefix(root)
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &StaticHandler{
		prefix:     prefix,
		index:      index,
		fileServer: http.StripPrefix(strings.TrimSuffix(prefix, "/"), http.FileServer(http.Dir(root))),
	}
}

func (h *StaticHandler) Prefix() string {
	return h.prefix
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w, cacheControlNoCache)

	requested := path.Clean("/" + r.URL.Path)
	if requested == "/" {
		h.serveIndex(w, r)
		return
	}
	if strings.HasPrefix(requested+"/", h.prefix) {
		h.fileServer.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func (h *StaticHandler) serveIndex(w http.ResponseWriter, r *http.Request) {
	if h.index == "" {
		http.NotFound(w, r)
		return
	}
	info, err := os.Stat(h.index)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, h.index)
}
