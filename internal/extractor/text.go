package extractor

import (
	"encoding/csv"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	gtext "github.com/yuin/goldmark/text"
)

func extractText(filePath string) (*Extraction, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return &Extraction{
		Pages:  []string{strings.TrimSpace(decodeText(data))},
		Format: "txt",
		Method: "txt-plain",
	}, nil
}

// decodeText assumes UTF-8 and falls back to latin-1 for files that are not
// valid UTF-8.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// extractMarkdown walks the goldmark AST and splits the document into
// sections at level-1 and level-2 headings. Text before the first heading
// becomes its own section.
func extractMarkdown(filePath string) (*Extraction, error) {
	src, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(gtext.NewReader(src))

	var pages []string
	var section strings.Builder
	flush := func() {
		if text := strings.TrimSpace(section.String()); text != "" {
			pages = append(pages, text)
		}
		section.Reset()
	}

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if h, ok := node.(*ast.Heading); ok && h.Level <= 2 {
			flush()
		}
		section.WriteString(nodeText(node, src))
		section.WriteString("\n\n")
	}
	flush()

	return &Extraction{Pages: pages, Format: "md", Method: "md-headings"}, nil
}

// nodeText collects the literal text of a node and its descendants.
func nodeText(node ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.CodeBlock:
			writeLines(&b, t, src)
		case *ast.FencedCodeBlock:
			writeLines(&b, t, src)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func writeLines(b *strings.Builder, node ast.Node, src []byte) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
}

// CSV rows are grouped into sections so very large files do not collapse
// into one enormous page.
const csvRowsPerSection = 50

func extractCSV(filePath string) (*Extraction, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var (
		pages   []string
		section strings.Builder
		header  string
		rows    int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line := strings.Join(record, " | ")
		if header == "" {
			header = line
			section.WriteString(header)
			section.WriteByte('\n')
			section.WriteString(strings.Repeat("-", len(header)))
			section.WriteByte('\n')
			continue
		}
		section.WriteString(line)
		section.WriteByte('\n')
		rows++
		if rows%csvRowsPerSection == 0 {
			pages = append(pages, strings.TrimSpace(section.String()))
			section.Reset()
		}
	}
	if strings.TrimSpace(section.String()) != "" {
		pages = append(pages, strings.TrimSpace(section.String()))
	}
	return &Extraction{Pages: pages, Format: "csv", Method: "csv-rows"}, nil
}
