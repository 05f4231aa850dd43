package httpapi

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jkaninda/archdraw/internal/workspace"
)

// artifactSuffix matches what follows "<prefix>_<requester>_" in a durable
// artifact name: the unix timestamp, an optional collision counter and the
// extension.
var artifactSuffix = regexp.MustCompile(`^[0-9]+(-[0-9]+)?\.[A-Za-z0-9]+$`)

// ownsArtifact reports whether name is a durable artifact of requester.
func (g *Gateway) ownsArtifact(requester, name string) bool {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return false
	}
	prefix := g.config.ArtifactPrefix + "_" + workspace.SanitizeName(requester) + "_"
	rest, ok := strings.CutPrefix(name, prefix)
	return ok && artifactSuffix.MatchString(rest)
}

func (g *Gateway) handleArtifact(w http.ResponseWriter, r *http.Request) {
	requester, _ := r.Context().Value(requesterCtxKey{}).(string)
	name := r.URL.Query().Get("name")

	if !g.ownsArtifact(requester, name) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: "artifact not found"})
		return
	}

	f, err := os.Open(filepath.Join(g.config.ArtifactsDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: "artifact not found"})
		return
	}
	if err != nil {
		g.logger.Error("opening artifact failed", slog.String("name", name), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal error"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: "artifact not found"})
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
