package extract

import (
	"fmt"
	"unicode/utf8"
)

// TextExtractor passes UTF-8 text formats through unchanged.
type TextExtractor struct{}

func (e *TextExtractor) CanExtract(filename string) bool {
	return hasExt(filename, ".txt", ".md", ".csv", ".json", ".yaml", ".yml", ".log")
}

func (e *TextExtractor) Extract(filename string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("file %s is not valid UTF-8 text", filename)
	}
	return string(data), nil
}
