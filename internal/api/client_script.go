package api

import (
	_ "embed"
	"net/http"
)

// hmrClientScript is the browser side of the live-reload protocol.
//
//go:embed hmr-client.js
var hmrClientScript []byte

func serveClientScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	setSecurityHeaders(w, cacheControlNoCache)
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(hmrClientScript)
}
