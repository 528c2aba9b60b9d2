// Package kicad knows just enough about KiCad's on-disk conventions: locating
// a project's board and schematic next to the .kicad_pro file, and discovering
// the sub-sheets a schematic references.
package kicad

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Project is a resolved KiCad project directory. PCB and Sch are
// project-relative paths with forward slashes; either may be empty.
type Project struct {
	Dir  string
	Stem string
	PCB  string
	Sch  string
}

// Find resolves a project from the command-line inputs: either one directory
// containing a .kicad_pro, or a list of .kicad_pro/.kicad_pcb/.kicad_sch
// files in the same directory.
func Find(inputs []string) (*Project, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no project path given")
	}
	if len(inputs) == 1 {
		info, err := os.Stat(inputs[0])
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return fromDir(inputs[0])
		}
	}
	return fromFiles(inputs)
}

func fromDir(dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(abs, "*.kicad_pro"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no .kicad_pro file in %s", abs)
	}
	return fromPro(matches[0])
}

func fromPro(proPath string) (*Project, error) {
	dir := filepath.Dir(proPath)
	stem := strings.TrimSuffix(filepath.Base(proPath), ".kicad_pro")
	proj := &Project{Dir: dir, Stem: stem}
	if name := stem + ".kicad_pcb"; fileExists(filepath.Join(dir, name)) {
		proj.PCB = name
	}
	if name := stem + ".kicad_sch"; fileExists(filepath.Join(dir, name)) {
		proj.Sch = name
	}
	return proj, nil
}

func fromFiles(inputs []string) (*Project, error) {
	var proPath, pcbPath, schPath string
	dir := ""
	for _, input := range inputs {
		abs, err := filepath.Abs(input)
		if err != nil {
			return nil, err
		}
		if dir == "" {
			dir = filepath.Dir(abs)
		} else if dir != filepath.Dir(abs) {
			return nil, fmt.Errorf("all input files must be in the same directory")
		}
		switch filepath.Ext(abs) {
		case ".kicad_pro":
			proPath = abs
		case ".kicad_pcb":
			pcbPath = abs
		case ".kicad_sch":
			schPath = abs
		default:
			return nil, fmt.Errorf("unsupported input file %s", input)
		}
	}

	var proj *Project
	if proPath != "" {
		p, err := fromPro(proPath)
		if err != nil {
			return nil, err
		}
		proj = p
	} else {
		stem := ""
		if pcbPath != "" {
			stem = strings.TrimSuffix(filepath.Base(pcbPath), ".kicad_pcb")
		} else {
			stem = strings.TrimSuffix(filepath.Base(schPath), ".kicad_sch")
		}
		proj = &Project{Dir: dir, Stem: stem}
	}
	if pcbPath != "" {
		proj.PCB = filepath.Base(pcbPath)
	}
	if schPath != "" {
		proj.Sch = filepath.Base(schPath)
	}
	if proj.PCB == "" && proj.Sch == "" {
		return nil, fmt.Errorf("no .kicad_pcb or .kicad_sch found for project %s", proj.Stem)
	}
	return proj, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
