package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/cache"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/catalog"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/kicad"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/pipeline"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/render"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/snapshot"
)

var (
	hashA = strings.Repeat("a", 40)
	hashB = strings.Repeat("b", 40)
	hashD = strings.Repeat("d", 40)
)

type fakeGit struct {
	commits []catalog.Commit
	files   map[string]map[string][]byte
}

func (f *fakeGit) Log(ctx context.Context) ([]catalog.Commit, error) { return f.commits, nil }

func (f *fakeGit) ResolveHash(ctx context.Context, name string) (string, error) {
	if name == "HEAD" && len(f.commits) > 0 {
		return f.commits[0].Hash, nil
	}
	for _, c := range f.commits {
		if strings.HasPrefix(c.Hash, strings.ToLower(name)) {
			return c.Hash, nil
		}
	}
	return "", nil
}

func (f *fakeGit) FileAt(ctx context.Context, hash, relPath string) ([]byte, error) {
	if data, ok := f.files[hash][relPath]; ok {
		return data, nil
	}
	return nil, &catalog.FileNotFoundError{Version: catalog.CommitID(hash), Path: relPath}
}

func solidPNG(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// newServer stands up the full stack over fakes: real catalog, materializer,
// cache and pipeline, with the renderer replaced by a content-driven stub.
func newServer(t *testing.T) (*Server, *pipeline.Service) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "demo.kicad_pcb"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	git := &fakeGit{
		commits: []catalog.Commit{
			{Hash: hashD, Summary: "remove board"},
			{Hash: hashB, Summary: "move footprint"},
			{Hash: hashA, Summary: "initial layout"},
		},
		files: map[string]map[string][]byte{
			hashA: {"demo.kicad_pcb": []byte("v1")},
			hashB: {"demo.kicad_pcb": []byte("v2")},
			hashD: {},
		},
	}
	cat := &catalog.Catalog{Git: git, ProjectDir: dir}
	c, err := cache.New(64, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Board content decides the rendered image: v1 is blank, v2 is filled.
	renderFn := func(ctx context.Context, snap *snapshot.Snapshot, opts render.Options) ([]byte, error) {
		data, err := os.ReadFile(snap.Path)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(data)) == "v2" {
			return solidPNG(t, color.NRGBA{0, 0, 0, 255}), nil
		}
		return solidPNG(t, color.NRGBA{255, 255, 255, 255}), nil
	}

	pipe := &pipeline.Service{
		Project:      &kicad.Project{Dir: dir, Stem: "demo", PCB: "demo.kicad_pcb"},
		Catalog:      cat,
		Materializer: &snapshot.Materializer{Source: cat, ProjectDir: dir},
		Cache:        c,
		Layers:       []string{"F.Cu"},
		Render:       renderFn,
	}
	srv, err := New(pipe)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, pipe
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestIndexRedirectsToFirstObject(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	rec := get(t, srv, "/")
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/diff/HEAD/WORK/F.Cu" {
		t.Fatalf("Location = %q", loc)
	}
}

func TestDiffPage(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	rec := get(t, srv, "/diff/HEAD/WORK/F.Cu")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{"F.Cu", "/image/HEAD/WORK/F.Cu", "move footprint"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestDiffPage_UnknownObject(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	if rec := get(t, srv, "/diff/HEAD/WORK/In7.Cu"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestImage(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)

	rec := get(t, srv, "/image/"+hashA+"/WORK/F.Cu")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Diff-Identical") != "true" {
		t.Error("blank board against identical working copy must be identical")
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Errorf("body is not a PNG: %v", err)
	}

	rec = get(t, srv, "/image/"+hashA+"/"+hashB+"/F.Cu")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Diff-Identical") != "false" {
		t.Error("differing boards must not report identical")
	}
}

func TestImage_ErrorMapping(t *testing.T) {
	t.Parallel()

	srv, pipe := newServer(t)

	// Version names that resolve to nothing are the client's mistake.
	for _, path := range []string{
		"/image/1999-01-01/WORK/F.Cu",
		"/image/zzzz/WORK/F.Cu",
	} {
		if rec := get(t, srv, path); rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}

	// A file absent at one version names the side in the message.
	rec := get(t, srv, "/image/"+hashD+"/"+hashA+"/F.Cu")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing file: status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "file missing at base version") {
		t.Errorf("message does not name the side: %q", rec.Body.String())
	}

	// Renderer faults are server-side conditions.
	pipe.Render = func(ctx context.Context, snap *snapshot.Snapshot, opts render.Options) ([]byte, error) {
		return nil, render.ErrRenderTimeout
	}
	if rec := get(t, srv, "/image/"+hashA+"/"+hashB+"/F.Cu"); rec.Code != http.StatusGatewayTimeout {
		t.Errorf("timeout: status = %d", rec.Code)
	}

	pipe.Render = func(ctx context.Context, snap *snapshot.Snapshot, opts render.Options) ([]byte, error) {
		return nil, render.ErrRendererUnavailable
	}
	if rec := get(t, srv, "/image/"+hashB+"/"+hashA+"/F.Cu"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("renderer unavailable: status = %d", rec.Code)
	}
}

func TestTextDiff(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	rec := get(t, srv, "/text/"+hashA+"/"+hashB+"/F.Cu")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "v1") || !strings.Contains(body, "v2") {
		t.Errorf("highlighted diff missing changed content")
	}

	// Same content on both sides still renders a page.
	rec = get(t, srv, "/text/"+hashA+"/"+hashA+"/F.Cu")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no textual changes") {
		t.Error("empty diff should say so")
	}
}

func TestVersionsAPI(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	rec := get(t, srv, "/api/versions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got []struct {
		ID    string `json:"id"`
		Kind  string `json:"kind"`
		Label string `json:"label"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d versions, want 4", len(got))
	}
	if got[0].ID != "WORK" || got[0].Kind != "working" {
		t.Errorf("first entry = %+v, want the working state", got[0])
	}
	if got[2].ID != hashB || got[2].Kind != "git" || !strings.Contains(got[2].Label, "move footprint") {
		t.Errorf("commit entry = %+v", got[2])
	}
}
