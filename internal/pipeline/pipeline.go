// Package pipeline wires catalog, materializer, renderer, diff engine and
// cache into the API the web layer consumes: resolve versions, produce a
// composite diff image for one renderable object.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/cache"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/catalog"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/diffimg"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/kicad"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/render"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/snapshot"
)

// Side names which end of a diff request an error belongs to.
type Side string

const (
	SideBase   Side = "base"
	SideTarget Side = "target"
)

// SideError tags a per-version failure with the side it occurred on, so the
// UI can say "missing at base" rather than just "missing".
type SideError struct {
	Side Side
	Err  error
}

func (e *SideError) Error() string { return fmt.Sprintf("%s side: %v", e.Side, e.Err) }

func (e *SideError) Unwrap() error { return e.Err }

// Object is one renderable thing the UI can diff: a PCB layer or a
// schematic sheet, addressed by name.
type Object struct {
	Name string
	Mode string // render.ModePCB or render.ModeSch
}

// RenderFunc has the renderer's contract; swapped out in tests.
type RenderFunc func(ctx context.Context, snap *snapshot.Snapshot, opts render.Options) ([]byte, error)

type Service struct {
	Project      *kicad.Project
	Catalog      *catalog.Catalog
	Materializer *snapshot.Materializer
	Cache        *cache.Cache
	Layers       []string
	Render       RenderFunc
	Threshold    uint8
	FitBoard     bool // default for requests that do not say

	// rendererDown short-circuits renders after the binary turned out to be
	// missing; only a restart with fixed config clears it.
	rendererDown atomic.Bool
}

// Versions returns the current catalog; rebuilt on every call so new
// commits and backups appear without restarts.
func (s *Service) Versions(ctx context.Context) ([]catalog.Entry, error) {
	return s.Catalog.List(ctx)
}

// Resolve maps a user-supplied version name to an ID.
func (s *Service) Resolve(ctx context.Context, name string) (catalog.ID, error) {
	return s.Catalog.Resolve(ctx, name)
}

// Objects lists the renderable objects: configured PCB layers when the
// project has a board, then schematic sheets when it has a schematic.
func (s *Service) Objects(ctx context.Context) []Object {
	var objects []Object
	if s.Project.PCB != "" {
		for _, layer := range s.Layers {
			objects = append(objects, Object{Name: layer, Mode: render.ModePCB})
		}
	}
	if s.Project.Sch != "" {
		for _, stem := range s.sheetStems(ctx) {
			objects = append(objects, Object{Name: stem, Mode: render.ModeSch})
		}
	}
	return objects
}

// sheetStems walks the working copy's sheet hierarchy. The working copy is
// the best available guess at the object space; sheets that only exist in
// old versions are still renderable by name.
func (s *Service) sheetStems(ctx context.Context) []string {
	root := strings.TrimSuffix(path.Base(s.Project.Sch), ".kicad_sch")
	stems := []string{root}
	seen := map[string]bool{s.Project.Sch: true}
	pending := []string{s.Project.Sch}
	for len(pending) > 0 {
		relPath := pending[0]
		pending = pending[1:]
		data, err := s.Catalog.FileAt(ctx, catalog.Working(), relPath)
		if err != nil {
			slog.Warn("cannot read schematic for sheet discovery",
				slog.String("path", relPath), slog.Any("error", err))
			continue
		}
		sheets, err := kicad.Subsheets(data)
		if err != nil {
			slog.Warn("cannot parse schematic", slog.String("path", relPath), slog.Any("error", err))
			continue
		}
		for _, sheet := range sheets {
			sheetRel := path.Clean(path.Join(path.Dir(relPath), sheet.File))
			if seen[sheetRel] {
				continue
			}
			seen[sheetRel] = true
			stems = append(stems, strings.TrimSuffix(path.Base(sheetRel), ".kicad_sch"))
			pending = append(pending, sheetRel)
		}
	}
	return stems
}

// Lookup finds an object by name.
func (s *Service) Lookup(ctx context.Context, name string) (Object, bool) {
	for _, obj := range s.Objects(ctx) {
		if obj.Name == name {
			return obj, true
		}
	}
	return Object{}, false
}

func (s *Service) target(obj Object) snapshot.Target {
	if obj.Mode == render.ModePCB {
		return snapshot.Target{RelPath: s.Project.PCB}
	}
	return snapshot.Target{RelPath: s.Project.Sch, Sch: true}
}

func (s *Service) options(obj Object, fit bool) render.Options {
	opts := render.Options{Mode: obj.Mode}
	if obj.Mode == render.ModePCB {
		opts.Layer = obj.Name
		opts.FitBoard = fit
	} else {
		opts.Sheet = obj.Name
	}
	return opts
}

// Diff renders both versions of obj (cache-collapsed) and composites them.
// The returned bytes are a PNG; identical reports a pixel-exact match under
// the presence rule.
func (s *Service) Diff(ctx context.Context, obj Object, baseID, targetID catalog.ID, fit bool) (data []byte, identical bool, err error) {
	target := s.target(obj)
	opts := s.options(obj, fit)

	diffKey := strings.Join([]string{"diff", target.RelPath, baseID.String(), targetID.String(), opts.Key()}, "\x1f")
	volatile := baseID.IsWorking() || targetID.IsWorking()

	stored, err := s.Cache.GetOrCompute(ctx, diffKey, volatile, func(ctx context.Context) ([]byte, error) {
		basePNG, err := s.renderVersion(ctx, target, opts, baseID)
		if err != nil {
			return nil, sideErr(SideBase, err)
		}
		targetPNG, err := s.renderVersion(ctx, target, opts, targetID)
		if err != nil {
			return nil, sideErr(SideTarget, err)
		}
		baseImg, err := diffimg.Decode(basePNG)
		if err != nil {
			return nil, err
		}
		targetImg, err := diffimg.Decode(targetPNG)
		if err != nil {
			return nil, err
		}
		composite, same := diffimg.Compose(baseImg, targetImg, diffimg.Options{Threshold: s.Threshold})
		encoded, err := diffimg.EncodePNG(composite)
		if err != nil {
			return nil, err
		}
		return encodeResult(encoded, same), nil
	})
	if err != nil {
		return nil, false, err
	}
	return decodeResult(stored)
}

// renderVersion produces the PNG for one (object, version) pair, collapsing
// concurrent identical requests through the cache.
func (s *Service) renderVersion(ctx context.Context, target snapshot.Target, opts render.Options, id catalog.ID) ([]byte, error) {
	key := strings.Join([]string{"render", target.RelPath, id.String(), opts.Key()}, "\x1f")
	return s.Cache.GetOrCompute(ctx, key, id.IsWorking(), func(ctx context.Context) ([]byte, error) {
		if s.rendererDown.Load() {
			return nil, render.ErrRendererUnavailable
		}
		snap, err := s.Materializer.Materialize(ctx, target, id)
		if err != nil {
			return nil, err
		}
		defer snap.Close()
		data, err := s.Render(ctx, snap, opts)
		if errors.Is(err, render.ErrRendererUnavailable) {
			s.rendererDown.Store(true)
			slog.Error("renderer unavailable; further renders disabled until restart",
				slog.Any("error", err))
		}
		return data, err
	})
}

// InvalidateWorking drops cached results that depend on the working state.
// Called by the filesystem watcher when project files change.
func (s *Service) InvalidateWorking() {
	workingTag := "\x1f" + catalog.WorkingName + "\x1f"
	dropped := s.Cache.Invalidate(func(key string) bool {
		return strings.Contains(key, workingTag)
	})
	if dropped > 0 {
		slog.Debug("working-state cache entries dropped", slog.Int("count", dropped))
	}
}

func sideErr(side Side, err error) error {
	var notFound *catalog.FileNotFoundError
	if errors.As(err, &notFound) {
		return &SideError{Side: side, Err: err}
	}
	return err
}

// Cached composites carry the identical flag as a one-byte prefix so a
// single cache value round-trips both results.
func encodeResult(png []byte, identical bool) []byte {
	flag := byte(0)
	if identical {
		flag = 1
	}
	return append([]byte{flag}, png...)
}

func decodeResult(stored []byte) ([]byte, bool, error) {
	if len(stored) < 1 {
		return nil, false, fmt.Errorf("malformed cached diff entry")
	}
	return stored[1:], stored[0] == 1, nil
}
