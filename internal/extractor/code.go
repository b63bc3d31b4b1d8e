package extractor

import (
	"os"
	"regexp"
	"strings"
)

// Code files are split at symbol boundaries (procedures, functions, classes,
// modules) instead of fixed page sizes, so a retrieved chunk carries a whole
// routine where possible. Targets legacy Pascal/Delphi, Modula-2 and
// assembly sources.

type codeLanguage string

const (
	langPascal   codeLanguage = "pascal"
	langDelphi   codeLanguage = "delphi"
	langModula2  codeLanguage = "modula2"
	langAssembly codeLanguage = "assembly"
)

var codeExtensions = map[string]codeLanguage{
	".pas": langDelphi,
	".dpr": langDelphi,
	".dpk": langDelphi,
	".inc": langDelphi,
	".dfm": langDelphi,
	".pp":  langPascal,
	".mod": langModula2,
	".def": langModula2,
	".mi":  langModula2,
	".asm": langAssembly,
	".s":   langAssembly,
}

var (
	delphiUnitRe      = regexp.MustCompile(`(?im)^\s*(?:unit|program|library)\s+(\w+)\s*;`)
	delphiProcRe      = regexp.MustCompile(`(?i)^\s*(?:class\s+)?(procedure|constructor|destructor)\s+(\w+(?:\.\w+)?)\s*(?:\([^)]*\))?\s*;`)
	delphiFuncRe      = regexp.MustCompile(`(?i)^\s*(?:class\s+)?function\s+(\w+(?:\.\w+)?)\s*(?:\([^)]*\))?\s*:\s*\w+\s*;`)
	delphiClassRe     = regexp.MustCompile(`(?i)^\s*(\w+)\s*=\s*class(?:\s*\([^)]*\))?\s*$`)
	delphiRecordRe    = regexp.MustCompile(`(?i)^\s*(\w+)\s*=\s*(?:packed\s+)?record\s*$`)
	delphiBlockEndRe  = regexp.MustCompile(`(?i)^\s*end\s*[;.]`)
	modula2ModuleRe   = regexp.MustCompile(`(?im)^\s*(?:DEFINITION|IMPLEMENTATION)?\s*MODULE\s+(\w+)\s*;`)
	modula2ProcRe     = regexp.MustCompile(`(?i)^\s*PROCEDURE\s+(\w+)\s*(?:\([^)]*\))?\s*(?::\s*\w+)?\s*;`)
	modula2EndRe      = regexp.MustCompile(`(?i)^\s*END\b.*;`)
	asmProcRe         = regexp.MustCompile(`(?i)^\s*(\w+)\s+PROC\b`)
	asmEndProcRe      = regexp.MustCompile(`(?i)^\s*(\w+)\s+ENDP\b`)
	asmMacroRe        = regexp.MustCompile(`(?i)^\s*(\w+)\s+MACRO\b`)
	asmEndMacroRe     = regexp.MustCompile(`(?i)^\s*ENDM\b`)
	pascalBeginTokens = regexp.MustCompile(`(?i)\bbegin\b`)
)

// codeSymbol is one extracted routine or declaration with its line span.
type codeSymbol struct {
	name      string
	kind      string
	startLine int // 0-based, inclusive
	endLine   int // 0-based, inclusive
}

// SupportedCode reports whether the filename maps to a known source-code
// format.
func SupportedCode(filename string) bool {
	_, ok := codeExtensions[lowerExt(filename)]
	return ok
}

func extractCode(filePath string) (*Extraction, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	content := decodeText(data)
	language := codeExtensions[lowerExt(filePath)]
	lines := strings.Split(content, "\n")

	var symbols []codeSymbol
	switch language {
	case langPascal, langDelphi:
		symbols = delphiSymbols(lines)
	case langModula2:
		symbols = modula2Symbols(lines)
	case langAssembly:
		symbols = asmSymbols(lines)
	}

	unit := unitName(content, language)
	var pages []string
	for _, sym := range symbols {
		pages = append(pages, symbolSection(lines, sym, unit))
	}
	pages = append(pages, uncoveredSections(lines, symbols, unit)...)

	return &Extraction{
		Pages:  pages,
		Format: string(language),
		Method: "code-symbols",
	}, nil
}

// symbolSection renders one symbol as a section, headed by a descriptor line
// in the same spirit as the spreadsheet "Sheet:" headers so the provenance
// survives chunking.
func symbolSection(lines []string, sym codeSymbol, unit string) string {
	var b strings.Builder
	b.WriteString(sym.kind)
	b.WriteByte(' ')
	b.WriteString(sym.name)
	if unit != "" {
		b.WriteString(" (")
		b.WriteString(unit)
		b.WriteByte(')')
	}
	b.WriteByte('\n')
	b.WriteString(strings.Join(lines[sym.startLine:sym.endLine+1], "\n"))
	return strings.TrimSpace(b.String())
}

func unitName(content string, language codeLanguage) string {
	switch language {
	case langPascal, langDelphi:
		if m := delphiUnitRe.FindStringSubmatch(content); m != nil {
			return m[1]
		}
	case langModula2:
		if m := modula2ModuleRe.FindStringSubmatch(content); m != nil {
			return m[1]
		}
	}
	return ""
}

func delphiSymbols(lines []string) []codeSymbol {
	var symbols []codeSymbol
	for i := 0; i < len(lines); {
		line := lines[i]
		if m := delphiProcRe.FindStringSubmatch(line); m != nil {
			end := pascalRoutineEnd(lines, i)
			symbols = append(symbols, codeSymbol{name: m[2], kind: strings.ToLower(m[1]), startLine: i, endLine: end})
			i = end + 1
			continue
		}
		if m := delphiFuncRe.FindStringSubmatch(line); m != nil {
			end := pascalRoutineEnd(lines, i)
			symbols = append(symbols, codeSymbol{name: m[1], kind: "function", startLine: i, endLine: end})
			i = end + 1
			continue
		}
		if m := delphiClassRe.FindStringSubmatch(line); m != nil {
			end := blockEnd(lines, i)
			symbols = append(symbols, codeSymbol{name: m[1], kind: "class", startLine: i, endLine: end})
			i = end + 1
			continue
		}
		if m := delphiRecordRe.FindStringSubmatch(line); m != nil {
			end := blockEnd(lines, i)
			symbols = append(symbols, codeSymbol{name: m[1], kind: "record", startLine: i, endLine: end})
			i = end + 1
			continue
		}
		i++
	}
	return symbols
}

func modula2Symbols(lines []string) []codeSymbol {
	var symbols []codeSymbol
	for i := 0; i < len(lines); {
		if m := modula2ProcRe.FindStringSubmatch(lines[i]); m != nil {
			end := i
			for j := i + 1; j < len(lines); j++ {
				if modula2EndRe.MatchString(lines[j]) {
					end = j
					break
				}
			}
			if end == i {
				end = min(i+50, len(lines)-1)
			}
			symbols = append(symbols, codeSymbol{name: m[1], kind: "procedure", startLine: i, endLine: end})
			i = end + 1
			continue
		}
		i++
	}
	return symbols
}

func asmSymbols(lines []string) []codeSymbol {
	var symbols []codeSymbol
	for i := 0; i < len(lines); {
		if m := asmProcRe.FindStringSubmatch(lines[i]); m != nil {
			name := m[1]
			end := i
			for j := i + 1; j < len(lines); j++ {
				if em := asmEndProcRe.FindStringSubmatch(lines[j]); em != nil && strings.EqualFold(em[1], name) {
					end = j
					break
				}
			}
			if end == i {
				end = min(i+50, len(lines)-1)
			}
			symbols = append(symbols, codeSymbol{name: name, kind: "procedure", startLine: i, endLine: end})
			i = end + 1
			continue
		}
		if m := asmMacroRe.FindStringSubmatch(lines[i]); m != nil {
			end := i
			for j := i + 1; j < len(lines); j++ {
				if asmEndMacroRe.MatchString(lines[j]) {
					end = j
					break
				}
			}
			if end == i {
				end = min(i+50, len(lines)-1)
			}
			symbols = append(symbols, codeSymbol{name: m[1], kind: "macro", startLine: i, endLine: end})
			i = end + 1
			continue
		}
		i++
	}
	return symbols
}

// pascalRoutineEnd finds the closing end of a routine by tracking begin/end
// nesting from the declaration line.
func pascalRoutineEnd(lines []string, start int) int {
	depth := 0
	for i := start; i < len(lines); i++ {
		line := strings.ToLower(strings.TrimSpace(lines[i]))
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "{") || strings.HasPrefix(line, "(*") {
			continue
		}
		if pascalBeginTokens.MatchString(line) {
			depth++
		}
		if delphiBlockEndRe.MatchString(line) {
			if depth <= 1 {
				return i
			}
			depth--
		}
	}
	return min(start+50, len(lines)-1)
}

func blockEnd(lines []string, start int) int {
	for i := start + 1; i < len(lines); i++ {
		if delphiBlockEndRe.MatchString(lines[i]) {
			return i
		}
	}
	return min(start+30, len(lines)-1)
}

// uncoveredSections groups the lines not claimed by any symbol into sections
// so global declarations, uses clauses and loose code still get indexed.
// Fragments shorter than a line or two are dropped.
const minUncoveredChars = 50

func uncoveredSections(lines []string, symbols []codeSymbol, unit string) []string {
	covered := make([]bool, len(lines))
	for _, sym := range symbols {
		for i := sym.startLine; i <= sym.endLine && i < len(lines); i++ {
			covered[i] = true
		}
	}

	var sections []string
	var block []string
	flush := func() {
		text := strings.TrimSpace(strings.Join(block, "\n"))
		if len(text) >= minUncoveredChars {
			if unit != "" {
				text = "declarations (" + unit + ")\n" + text
			}
			sections = append(sections, text)
		}
		block = block[:0]
	}
	for i, line := range lines {
		if covered[i] {
			flush()
			continue
		}
		block = append(block, line)
	}
	flush()
	return sections
}
