package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("report.pdf"))
	assert.True(t, Supported("NOTES.MD"))
	assert.True(t, Supported("data.csv"))
	assert.False(t, Supported("archive.zip"))
	assert.False(t, Supported("noextension"))
}

func TestExtractText(t *testing.T) {
	path := writeFile(t, "notes.txt", "  hello semantic search  \n")

	res, err := Extract(path)
	require.NoError(t, err)
	assert.Equal(t, "txt", res.Format)
	assert.Equal(t, "txt-plain", res.Method)
	require.Len(t, res.Pages, 1)
	assert.Equal(t, "hello semantic search", res.Pages[0])
}

func TestExtractTextLatin1Fallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.txt")
	require.NoError(t, os.WriteFile(path, []byte{'c', 'a', 'f', 0xe9}, 0o644))

	res, err := Extract(path)
	require.NoError(t, err)
	assert.Equal(t, "café", res.Pages[0])
}

func TestExtractEmptyFileFails(t *testing.T) {
	path := writeFile(t, "empty.txt", "   \n\t ")

	_, err := Extract(path)
	require.Error(t, err)

	var extErr *Error
	require.ErrorAs(t, err, &extErr)
	assert.Contains(t, extErr.File, "empty.txt")
}

func TestExtractUnsupportedFormat(t *testing.T) {
	path := writeFile(t, "archive.zip", "not really a zip")

	_, err := Extract(path)
	var extErr *Error
	require.ErrorAs(t, err, &extErr)
	assert.Contains(t, extErr.Error(), "unsupported")
}

func TestExtractMissingFile(t *testing.T) {
	_, err := Extract(filepath.Join(t.TempDir(), "ghost.txt"))
	var extErr *Error
	require.ErrorAs(t, err, &extErr)
}

func TestExtractMarkdownSections(t *testing.T) {
	content := `intro paragraph before any heading

# First Section

database optimization strategies

## Details

more detail here

` + "```sql\nCREATE INDEX idx ON t(c);\n```" + `

# Second Section

database backup procedures
`
	path := writeFile(t, "guide.md", content)

	res, err := Extract(path)
	require.NoError(t, err)
	assert.Equal(t, "md-headings", res.Method)
	require.Len(t, res.Pages, 4)
	assert.Equal(t, "intro paragraph before any heading", res.Pages[0])
	assert.Contains(t, res.Pages[1], "database optimization strategies")
	assert.Contains(t, res.Pages[2], "more detail here")
	assert.Contains(t, res.Pages[2], "CREATE INDEX idx ON t(c);")
	assert.Contains(t, res.Pages[3], "database backup procedures")
}

func TestExtractCSVSections(t *testing.T) {
	var b strings.Builder
	b.WriteString("name,value\n")
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&b, "row%d,%d\n", i, i)
	}
	path := writeFile(t, "data.csv", b.String())

	res, err := Extract(path)
	require.NoError(t, err)
	assert.Equal(t, "csv", res.Format)
	require.Len(t, res.Pages, 3)
	assert.Contains(t, res.Pages[0], "name | value")
	assert.Contains(t, res.Pages[0], "row0 | 0")
	assert.Contains(t, res.Pages[2], "row119 | 119")
}

func TestExtractDOCXParagraphs(t *testing.T) {
	content := `<w:p><w:r><w:t>first paragraph</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t xml:space="preserve">second </w:t><w:t>paragraph</w:t></w:r></w:p>` +
		`<w:p></w:p>`

	paragraphs := docxParagraphs(content)
	require.Len(t, paragraphs, 2)
	assert.Equal(t, "first paragraph", paragraphs[0])
	assert.Equal(t, "second paragraph", paragraphs[1])
}

func TestExtractPascalSymbols(t *testing.T) {
	content := `unit Billing;

interface

uses SysUtils, Classes, Math;

type
  TInvoice = record
    Total: Double;
    Paid: Boolean;
  end;

implementation

function CalcTotal(Net, Tax: Double): Double;
begin
  if Net > 0 then
  begin
    Result := Net + Tax;
  end;
end;

procedure PrintInvoice(const Inv: TInvoice);
begin
  WriteLn(Inv.Total);
end;

end.
`
	path := writeFile(t, "billing.pas", content)

	assert.True(t, Supported("billing.pas"))

	res, err := Extract(path)
	require.NoError(t, err)
	assert.Equal(t, "delphi", res.Format)
	assert.Equal(t, "code-symbols", res.Method)
	require.Len(t, res.Pages, 4)

	// one section per symbol, headed by its descriptor line
	assert.True(t, strings.HasPrefix(res.Pages[0], "record TInvoice (Billing)"))
	assert.Contains(t, res.Pages[0], "Paid: Boolean;")
	assert.True(t, strings.HasPrefix(res.Pages[1], "function CalcTotal (Billing)"))
	assert.Contains(t, res.Pages[1], "Result := Net + Tax;")
	assert.True(t, strings.HasPrefix(res.Pages[2], "procedure PrintInvoice (Billing)"))
	assert.Contains(t, res.Pages[2], "WriteLn(Inv.Total);")

	// the uses clause and type header survive as a declarations section
	assert.True(t, strings.HasPrefix(res.Pages[3], "declarations (Billing)"))
	assert.Contains(t, res.Pages[3], "uses SysUtils, Classes, Math;")
}

func TestExtractAssemblySymbols(t *testing.T) {
	content := `.model small
.code

CopyBuf PROC
    mov cx, len
    rep movsb
    ret
CopyBuf ENDP

Beep MACRO
    mov ah, 0Eh
    int 10h
ENDM

END
`
	path := writeFile(t, "lowlevel.asm", content)

	res, err := Extract(path)
	require.NoError(t, err)
	assert.Equal(t, "assembly", res.Format)
	require.Len(t, res.Pages, 2)
	assert.True(t, strings.HasPrefix(res.Pages[0], "procedure CopyBuf"))
	assert.Contains(t, res.Pages[0], "rep movsb")
	assert.True(t, strings.HasPrefix(res.Pages[1], "macro Beep"))
	assert.Contains(t, res.Pages[1], "int 10h")
}
