package pipeline

import (
	"context"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/catalog"
)

// TextDiff returns a unified diff of the object's source file between two
// versions. Boards and schematics are s-expression text, so a line diff is
// meaningful alongside the rendered composite.
func (s *Service) TextDiff(ctx context.Context, obj Object, baseID, targetID catalog.ID) (string, error) {
	relPath := s.target(obj).RelPath

	baseData, err := s.Catalog.FileAt(ctx, baseID, relPath)
	if err != nil {
		return "", sideErr(SideBase, err)
	}
	targetData, err := s.Catalog.FileAt(ctx, targetID, relPath)
	if err != nil {
		return "", sideErr(SideTarget, err)
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(baseData)),
		B:        difflib.SplitLines(string(targetData)),
		FromFile: fmt.Sprintf("%s @ %s", relPath, baseID),
		ToFile:   fmt.Sprintf("%s @ %s", relPath, targetID),
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("compute text diff: %w", err)
	}
	return text, nil
}
