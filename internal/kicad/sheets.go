package kicad

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Sheet is a hierarchical sheet reference inside a schematic.
type Sheet struct {
	Name string
	File string // schematic-relative path as written in the file
}

var propertyPat = regexp.MustCompile(`\(property\s+"(?P<name>[^"]+)"\s+"(?P<value>[^"]*)"`)

// Subsheets extracts the direct sheet references from schematic source.
// The schematic format is an s-expression; rather than a full parser this
// scans for balanced "(sheet ...)" blocks and reads their name/file
// properties, which is what the exporter needs.
func Subsheets(src []byte) ([]Sheet, error) {
	text := string(src)
	if !strings.HasPrefix(text, "(kicad_sch") {
		return nil, fmt.Errorf("not a kicad_sch document")
	}

	var sheets []Sheet
	pos := 0
	for {
		start := strings.Index(text[pos:], "(sheet")
		if start < 0 {
			break
		}
		pos += start + len("(sheet")
		if pos >= len(text) || !unicode.IsSpace(rune(text[pos])) {
			// Matched "(sheet_instances" or similar; keep scanning.
			continue
		}
		end, err := closeParen(text, pos)
		if err != nil {
			return nil, err
		}
		sheet, err := sheetFromBlock(text[pos:end])
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, sheet)
		pos = end + 1
	}
	return sheets, nil
}

// closeParen returns the offset of the ')' closing the block whose opening
// paren precedes pos. Quoted strings may contain parens.
func closeParen(text string, pos int) (int, error) {
	depth := 1
	inString := false
	for i := pos; i < len(text); i++ {
		switch text[i] {
		case '"':
			if !inString || i == 0 || text[i-1] != '\\' {
				inString = !inString
			}
		case '(':
			if !inString {
				depth++
			}
		case ')':
			if !inString {
				depth--
				if depth == 0 {
					return i, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("unbalanced parentheses in schematic")
}

func sheetFromBlock(block string) (Sheet, error) {
	var sheet Sheet
	for _, m := range propertyPat.FindAllStringSubmatch(block, -1) {
		switch m[1] {
		case "Sheetname", "Sheet name":
			sheet.Name = m[2]
		case "Sheetfile", "Sheet file":
			sheet.File = m[2]
		}
	}
	if sheet.File == "" {
		return Sheet{}, fmt.Errorf(`sheet block without a "Sheetfile" property`)
	}
	return sheet, nil
}
