package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	pageSeparator      = "\n"
	paragraphSeparator = "\n\n"
)

// Kind classifies why a document produced no usable text.
type Kind string

const (
	KindUnsupportedFormat Kind = "unsupported_format"
	KindEmptyContent      Kind = "empty_content"
	KindCorruptInput      Kind = "corrupt_input"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrEmptyContent      = errors.New("empty content")
	ErrCorruptInput      = errors.New("corrupt input")
)

// Error is returned for every extraction failure. errors.Is matches the
// sentinel for its Kind.
type Error struct {
	Kind     Kind
	FileName string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("extract %s: %s", e.FileName, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindUnsupportedFormat:
		return target == ErrUnsupportedFormat
	case KindEmptyContent:
		return target == ErrEmptyContent
	case KindCorruptInput:
		return target == ErrCorruptInput
	}
	return false
}

func fail(kind Kind, fileName string, err error) *Error {
	return &Error{Kind: kind, FileName: fileName, Err: err}
}

// Extract returns the plain text of a .pdf or .docx payload. The format is
// chosen by the file name extension.
func Extract(data []byte, fileName string) (string, error) {
	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		text, err = extractPDF(data, fileName)
	case ".docx":
		text, err = extractDOCX(data, fileName)
	default:
		return "", fail(KindUnsupportedFormat, fileName, fmt.Errorf("extension %q", filepath.Ext(fileName)))
	}
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fail(KindEmptyContent, fileName, errors.New("no text after trimming"))
	}
	return text, nil
}

func extractPDF(data []byte, fileName string) (text string, err error) {
	// the pdf reader panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fail(KindCorruptInput, fileName, fmt.Errorf("pdf parser panic: %v", r))
		}
	}()

	if len(data) == 0 {
		return "", fail(KindEmptyContent, fileName, errors.New("zero bytes"))
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fail(KindCorruptInput, fileName, err)
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return "", fail(KindEmptyContent, fileName, errors.New("pdf has no pages"))
	}

	pages := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fail(KindCorruptInput, fileName, fmt.Errorf("page %d: %w", i, err))
		}
		if strings.TrimSpace(content) != "" {
			pages = append(pages, content)
		}
	}
	if len(pages) == 0 {
		return "", fail(KindEmptyContent, fileName, errors.New("all pages empty"))
	}
	return strings.Join(pages, pageSeparator), nil
}

func extractDOCX(data []byte, fileName string) (string, error) {
	if len(data) == 0 {
		return "", fail(KindEmptyContent, fileName, errors.New("zero bytes"))
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fail(KindCorruptInput, fileName, err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if strings.ReplaceAll(f.Name, "\\", "/") == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", fail(KindCorruptInput, fileName, errors.New("word/document.xml not found"))
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fail(KindCorruptInput, fileName, err)
	}
	defer rc.Close()

	paragraphs, err := docxParagraphs(rc)
	if err != nil {
		return "", fail(KindCorruptInput, fileName, err)
	}
	if len(paragraphs) == 0 {
		return "", fail(KindEmptyContent, fileName, errors.New("no paragraphs"))
	}
	return strings.Join(paragraphs, paragraphSeparator), nil
}

// docxParagraphs returns the non-empty w:p texts in document order.
func docxParagraphs(r io.Reader) ([]string, error) {
	decoder := xml.NewDecoder(r)
	var (
		out    []string
		cur    strings.Builder
		inText bool
		depth  int
	)
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				depth++
			case "t":
				inText = true
			case "tab":
				cur.WriteString("\t")
			case "br", "cr":
				cur.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				depth--
				if depth == 0 {
					if s := strings.TrimSpace(cur.String()); s != "" {
						out = append(out, s)
					}
					cur.Reset()
				}
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	return out, nil
}
