// Package web is the thin HTTP surface over the diff pipeline: a page with
// version pickers, the composite diff image, and a highlighted text diff.
package web

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/catalog"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/pipeline"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/render"
)

//go:embed templates/*.html
var templateFS embed.FS

type Server struct {
	pipe *pipeline.Service
	mux  *chi.Mux
	tmpl *template.Template
}

func New(pipe *pipeline.Service) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	s := &Server{pipe: pipe, tmpl: tmpl}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/", s.handleIndex)
	mux.Get("/diff/{base}/{target}/{obj}", s.handleDiffPage)
	mux.Get("/image/{base}/{target}/{obj}", s.handleImage)
	mux.Get("/text/{base}/{target}/{obj}", s.handleTextDiff)
	mux.Get("/api/versions", s.handleVersions)
	s.mux = mux
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

// fitParam reads the fit toggle, falling back to the configured default.
func (s *Server) fitParam(r *http.Request) bool {
	if q := r.URL.Query().Get("fit"); q != "" {
		return q == "true"
	}
	return s.pipe.FitBoard
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	objects := s.pipe.Objects(r.Context())
	if len(objects) == 0 {
		http.Error(w, "project has no renderable files", http.StatusNotFound)
		return
	}
	location := fmt.Sprintf("/diff/HEAD/%s/%s", catalog.WorkingName, url.PathEscape(objects[0].Name))
	http.Redirect(w, r, location, http.StatusMovedPermanently)
}

type diffPageData struct {
	Base     string
	Target   string
	Object   pipeline.Object
	Objects  []pipeline.Object
	Versions []catalog.Entry
	Fit      bool
	ImageURL string
	TextURL  string
}

func (s *Server) handleDiffPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	base := chi.URLParam(r, "base")
	target := chi.URLParam(r, "target")
	objName := chi.URLParam(r, "obj")

	obj, ok := s.pipe.Lookup(ctx, objName)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown object %q", objName), http.StatusNotFound)
		return
	}
	if _, err := s.pipe.Resolve(ctx, base); err != nil {
		s.renderError(w, err)
		return
	}
	if _, err := s.pipe.Resolve(ctx, target); err != nil {
		s.renderError(w, err)
		return
	}
	versions, err := s.pipe.Versions(ctx)
	if err != nil {
		s.renderError(w, err)
		return
	}
	fit := s.fitParam(r)
	query := fmt.Sprintf("?fit=%t", fit)
	data := diffPageData{
		Base:     base,
		Target:   target,
		Object:   obj,
		Objects:  s.pipe.Objects(ctx),
		Versions: versions,
		Fit:      fit,
		ImageURL: fmt.Sprintf("/image/%s/%s/%s%s", url.PathEscape(base), url.PathEscape(target), url.PathEscape(obj.Name), query),
		TextURL:  fmt.Sprintf("/text/%s/%s/%s", url.PathEscape(base), url.PathEscape(target), url.PathEscape(obj.Name)),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "diff.html", data); err != nil {
		slog.Error("render page", slog.Any("error", err))
	}
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	obj, ok := s.pipe.Lookup(ctx, chi.URLParam(r, "obj"))
	if !ok {
		http.Error(w, "unknown object", http.StatusNotFound)
		return
	}
	baseID, err := s.pipe.Resolve(ctx, chi.URLParam(r, "base"))
	if err != nil {
		s.renderError(w, err)
		return
	}
	targetID, err := s.pipe.Resolve(ctx, chi.URLParam(r, "target"))
	if err != nil {
		s.renderError(w, err)
		return
	}
	data, identical, err := s.pipe.Diff(ctx, obj, baseID, targetID, s.fitParam(r))
	if err != nil {
		s.renderError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Diff-Identical", fmt.Sprintf("%t", identical))
	w.Write(data)
}

func (s *Server) handleTextDiff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	obj, ok := s.pipe.Lookup(ctx, chi.URLParam(r, "obj"))
	if !ok {
		http.Error(w, "unknown object", http.StatusNotFound)
		return
	}
	baseID, err := s.pipe.Resolve(ctx, chi.URLParam(r, "base"))
	if err != nil {
		s.renderError(w, err)
		return
	}
	targetID, err := s.pipe.Resolve(ctx, chi.URLParam(r, "target"))
	if err != nil {
		s.renderError(w, err)
		return
	}
	text, err := s.pipe.TextDiff(ctx, obj, baseID, targetID)
	if err != nil {
		s.renderError(w, err)
		return
	}
	if strings.TrimSpace(text) == "" {
		text = "(no textual changes)"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := writeHighlightedDiff(w, text); err != nil {
		slog.Error("highlight text diff", slog.Any("error", err))
	}
}

type versionJSON struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.pipe.Versions(r.Context())
	if err != nil {
		s.renderError(w, err)
		return
	}
	out := make([]versionJSON, 0, len(versions))
	for _, entry := range versions {
		out = append(out, versionJSON{
			ID:    entry.ID.String(),
			Kind:  entry.ID.Kind.String(),
			Label: entry.Label,
		})
	}
	writeJSON(w, out)
}

// renderError maps the pipeline's error taxonomy onto HTTP statuses. User-
// recoverable conditions (bad version name, file absent at a version) are
// 404s with a plain message; renderer faults are 5xx with diagnostics.
func (s *Server) renderError(w http.ResponseWriter, err error) {
	var sideErr *pipeline.SideError
	var notFound *catalog.FileNotFoundError
	switch {
	case errors.As(err, &sideErr) && errors.As(err, &notFound):
		msg := fmt.Sprintf("file missing at %s version %s: %s",
			sideErr.Side, notFound.Version, notFound.Path)
		http.Error(w, msg, http.StatusNotFound)
	case errors.Is(err, catalog.ErrUnknownVersion):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, catalog.ErrRepositoryUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, render.ErrRendererUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, render.ErrRenderTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		slog.Error("request failed", slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", slog.Any("error", err))
	}
}

func writeHighlightedDiff(w http.ResponseWriter, text string) error {
	lexer := lexers.Get("diff")
	if lexer == nil {
		lexer = lexers.Fallback
	}
	style := styles.Get("github")
	if style == nil {
		style = styles.Fallback
	}
	iterator, err := lexer.Tokenise(nil, text)
	if err != nil {
		return err
	}
	formatter := html.New(html.Standalone(true), html.WithLineNumbers(true))
	return formatter.Format(w, style, iterator)
}
