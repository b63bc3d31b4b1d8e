package extractor

import (
	"fmt"
	"strings"

	"github.com/nguyenthenguyen/docx"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
)

// DOCX has no explicit pages; paragraphs are grouped into sections of this
// size so page numbers stay meaningful for citations.
const paragraphsPerSection = 10

func extractDOCX(filePath string) (*Extraction, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	doc := r.Editable()
	paragraphs := docxParagraphs(doc.GetContent())

	var pages []string
	for start := 0; start < len(paragraphs); start += paragraphsPerSection {
		end := min(start+paragraphsPerSection, len(paragraphs))
		pages = append(pages, strings.Join(paragraphs[start:end], "\n\n"))
	}
	return &Extraction{Pages: pages, Format: "docx", Method: "docx-paragraphs"}, nil
}

// docxParagraphs pulls <w:t> runs out of WordprocessingML, one string per
// <w:p> paragraph, skipping empty paragraphs.
func docxParagraphs(content string) []string {
	var paragraphs []string
	for _, para := range strings.Split(content, "</w:p>") {
		var b strings.Builder
		rest := para
		for {
			open := strings.Index(rest, "<w:t")
			if open < 0 {
				break
			}
			rest = rest[open:]
			gt := strings.IndexByte(rest, '>')
			if gt < 0 {
				break
			}
			rest = rest[gt+1:]
			closeIdx := strings.Index(rest, "</w:t>")
			if closeIdx < 0 {
				break
			}
			b.WriteString(rest[:closeIdx])
			rest = rest[closeIdx:]
		}
		text := strings.TrimSpace(b.String())
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	}
	return paragraphs
}

func extractXLSX(filePath string) (*Extraction, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	pages := make([]string, 0, len(f.Sheets))
	for _, sheet := range f.Sheets {
		var text strings.Builder
		text.WriteString(fmt.Sprintf("Sheet: %s\n", sheet.Name))
		for _, row := range sheet.Rows {
			for _, cell := range row.Cells {
				text.WriteString(cell.String() + "\t")
			}
			text.WriteByte('\n')
		}
		pages = append(pages, strings.TrimSpace(text.String()))
	}
	return &Extraction{Pages: pages, Format: "xlsx", Method: "xlsx-sheets"}, nil
}

func extractODS(filePath string) (*Extraction, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pages []string
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}
		var text strings.Builder
		text.WriteString(fmt.Sprintf("Sheet: %s\n", sheetName))
		for _, row := range rows {
			for _, cell := range row {
				text.WriteString(cell + "\t")
			}
			text.WriteByte('\n')
		}
		pages = append(pages, strings.TrimSpace(text.String()))
	}
	return &Extraction{Pages: pages, Format: "ods", Method: "ods-sheets"}, nil
}
