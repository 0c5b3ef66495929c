package proxy

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gatewind/internal/balancer"
)

// serveStatic serves a file below the target's directory. When the file
// does not exist and the target names a try_file, that file is served
// instead, which lets single page applications own their routing.
func serveStatic(w http.ResponseWriter, r *http.Request, target *balancer.BaseRoute, urlPath string) {
	root := target.StaticRoot()
	name := resolve(root, urlPath)

	info, err := os.Stat(name)
	if err == nil && info.IsDir() {
		index := filepath.Join(name, "index.html")
		if _, err := os.Stat(index); err == nil {
			http.ServeFile(w, r, index)
			return
		}
	}
	if err == nil && !info.IsDir() {
		http.ServeFile(w, r, name)
		return
	}

	if target.TryFile != "" {
		fallback := resolve(root, target.TryFile)
		if fi, err := os.Stat(fallback); err == nil && !fi.IsDir() {
			http.ServeFile(w, r, fallback)
			return
		}
	}
	http.NotFound(w, r)
}

// resolve joins urlPath below root without letting ".." escape it
func resolve(root, urlPath string) string {
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}
	return filepath.Join(root, filepath.FromSlash(path.Clean(urlPath)))
}
