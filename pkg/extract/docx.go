package extract

import (
	"bytes"
	"fmt"

	"github.com/nguyenthenguyen/docx"
)

// DocxExtractor extracts plain text from Word documents.
type DocxExtractor struct{}

func (e *DocxExtractor) CanExtract(filename string) bool {
	return hasExt(filename, ".docx")
}

func (e *DocxExtractor) Extract(filename string, data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse Word document: %w", err)
	}
	defer doc.Close()
	return doc.Editable().GetContent(), nil
}
