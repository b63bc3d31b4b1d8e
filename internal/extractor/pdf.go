package extractor

import (
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
)

// extractPDF tries plain-text extraction first and falls back to row-based
// extraction when the primary strategy yields no usable text for the whole
// document. The winning strategy is recorded in Method.
func extractPDF(filePath string) (*Extraction, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	pages, err := pdfPlainText(reader)
	if err == nil && hasUsableText(pages) {
		return &Extraction{Pages: pages, Format: "pdf", Method: "pdf-plaintext"}, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("file", filePath).Msg("plain-text PDF extraction failed, trying row-based")
	} else {
		log.Warn().Str("file", filePath).Msg("plain-text PDF extraction empty, trying row-based")
	}

	pages, err = pdfRowText(reader)
	if err != nil {
		return nil, err
	}
	return &Extraction{Pages: pages, Format: "pdf", Method: "pdf-rows"}, nil
}

func pdfPlainText(reader *pdf.Reader) ([]string, error) {
	numPages := reader.NumPage()
	pages := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, err
		}
		pages = append(pages, strings.TrimSpace(text))
	}
	return pages, nil
}

// pdfRowText reassembles page text from positioned rows, which copes better
// with PDFs whose content streams confuse the plain-text walker.
func pdfRowText(reader *pdf.Reader) ([]string, error) {
	numPages := reader.NumPage()
	pages := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, row := range rows {
			for _, word := range row.Content {
				b.WriteString(word.S)
			}
			b.WriteByte('\n')
		}
		pages = append(pages, strings.TrimSpace(b.String()))
	}
	return pages, nil
}
