// Package extractor converts document files into ordered per-page (or
// per-section) text, one string per page. Chunking happens downstream.
package extractor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Extraction is the result of pulling text out of one document. Pages is
// 1-indexed by position: Pages[0] is page 1. Empty strings mark pages that
// held no extractable text.
type Extraction struct {
	Pages []string

	// Format is the source format tag, e.g. "pdf" or "csv".
	Format string

	// Method names the extraction strategy that produced the text. Only
	// informative: formats with a fallback strategy record which one won.
	Method string
}

// Error is a typed extraction failure naming the file and the cause.
type Error struct {
	File   string
	Format string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extracting %s (%s): %v", e.File, e.Format, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var supportedExtensions = map[string]bool{
	".pdf":  true,
	".txt":  true,
	".md":   true,
	".docx": true,
	".xlsx": true,
	".ods":  true,
	".csv":  true,
}

// Supported reports whether the file extension maps to a known format,
// document or source code.
func Supported(filename string) bool {
	return supportedExtensions[lowerExt(filename)] || SupportedCode(filename)
}

func lowerExt(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// Extract reads the file and returns its text split into pages or sections.
// Unreadable or empty documents return a *Error, never a silent nil result.
func Extract(filePath string) (*Extraction, error) {
	ext := lowerExt(filePath)
	log.Debug().Str("file", filePath).Str("ext", ext).Msg("extracting text")

	var (
		res *Extraction
		err error
	)
	if SupportedCode(filePath) {
		res, err = extractCode(filePath)
		return finishExtraction(filePath, ext, res, err)
	}
	switch ext {
	case ".pdf":
		res, err = extractPDF(filePath)
	case ".txt":
		res, err = extractText(filePath)
	case ".md":
		res, err = extractMarkdown(filePath)
	case ".docx":
		res, err = extractDOCX(filePath)
	case ".xlsx":
		res, err = extractXLSX(filePath)
	case ".ods":
		res, err = extractODS(filePath)
	case ".csv":
		res, err = extractCSV(filePath)
	default:
		return nil, &Error{File: filePath, Format: ext, Err: fmt.Errorf("unsupported file format")}
	}
	return finishExtraction(filePath, ext, res, err)
}

func finishExtraction(filePath, ext string, res *Extraction, err error) (*Extraction, error) {
	if err != nil {
		if extErr, ok := err.(*Error); ok {
			return nil, extErr
		}
		return nil, &Error{File: filePath, Format: strings.TrimPrefix(ext, "."), Err: err}
	}

	if !hasUsableText(res.Pages) {
		return nil, &Error{File: filePath, Format: res.Format, Err: fmt.Errorf("no extractable text")}
	}

	log.Debug().
		Str("file", filePath).
		Str("method", res.Method).
		Int("pages", len(res.Pages)).
		Msg("extraction finished")
	return res, nil
}

// hasUsableText treats whitespace-only output as failure, not success.
func hasUsableText(pages []string) bool {
	for _, p := range pages {
		if strings.TrimSpace(p) != "" {
			return true
		}
	}
	return false
}
