// Copyright 2025 The Sage Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package extract turns uploaded files into plain text for prompt
// inlining. Binary formats (PDF, Word, Excel) use native parsers; anything
// UTF-8 passes through as is.
package extract

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Extractor converts one file format to plain text.
type Extractor interface {
	// CanExtract reports whether this extractor handles the file.
	CanExtract(filename string) bool

	// Extract returns the file's text content.
	Extract(filename string, data []byte) (string, error)
}

// Registry tries extractors in registration order.
type Registry struct {
	extractors []Extractor
}

// NewRegistry creates a registry with the built-in extractors.
func NewRegistry() *Registry {
	return &Registry{
		extractors: []Extractor{
			&PDFExtractor{},
			&DocxExtractor{},
			&XlsxExtractor{},
			&TextExtractor{},
		},
	}
}

// Supported reports whether any extractor handles the file.
func (r *Registry) Supported(filename string) bool {
	for _, e := range r.extractors {
		if e.CanExtract(filename) {
			return true
		}
	}
	return false
}

// Extract converts the file to text using the first matching extractor.
func (r *Registry) Extract(filename string, data []byte) (string, error) {
	for _, e := range r.extractors {
		if e.CanExtract(filename) {
			return e.Extract(filename, data)
		}
	}
	return "", fmt.Errorf("unsupported file type: %s", filepath.Ext(filename))
}

func hasExt(filename string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, candidate := range exts {
		if ext == candidate {
			return true
		}
	}
	return false
}
