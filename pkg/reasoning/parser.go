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

// Package reasoning drives the tagged reasoning loop: the model emits
// Thought/Action/Answer lines, the engine supplies Observations and streams
// the answer token by token.
package reasoning

import "strings"

// Line tags the model is instructed to emit.
const (
	tagThought     = "Thought:"
	tagAction      = "Action:"
	tagObservation = "Observation:"
	tagAnswer      = "Answer:"
)

// ParserCallbacks receive semantic units as the parser recognises them.
// Thought and Action fire once per complete line; AnswerChunk fires per
// token once the answer region opens.
type ParserCallbacks struct {
	OnThought     func(content string)
	OnAction      func(content string)
	OnAnswerChunk func(chunk string)
}

// StreamParser consumes a token stream and recognises the tag protocol.
// Thought and Action lines are buffered to end-of-line; the Answer region
// streams immediately, token-granular, until end-of-stream. A model-written
// Observation line is a protocol violation: Feed returns stop=true and the
// fabricated text is discarded.
type StreamParser struct {
	callbacks ParserCallbacks

	buf          strings.Builder
	answerMode   bool
	stripLead    bool
	stopped      bool
	sawTag       bool
	plain        strings.Builder
	actionSeen   bool
	answerOpened bool
}

// NewStreamParser creates a parser delivering into callbacks.
func NewStreamParser(callbacks ParserCallbacks) *StreamParser {
	return &StreamParser{callbacks: callbacks}
}

// AnswerStarted reports whether the answer region has opened.
func (p *StreamParser) AnswerStarted() bool { return p.answerOpened }

// ActionSeen reports whether a complete Action line was recognised.
func (p *StreamParser) ActionSeen() bool { return p.actionSeen }

// Feed consumes one token. stop=true means the completion must be
// truncated here (fabricated observation); no further tokens may be fed.
func (p *StreamParser) Feed(token string) (stop bool) {
	if p.stopped {
		return true
	}
	if p.answerMode {
		if p.stripLead {
			token = strings.TrimPrefix(token, " ")
			p.stripLead = false
		}
		if token != "" {
			p.emitChunk(token)
		}
		return false
	}

	p.buf.WriteString(token)
	return p.process()
}

// process drains the buffer: complete lines are classified, and the two
// prefix tags that act mid-line (Answer opens streaming, Observation
// truncates) are checked on the partial tail.
func (p *StreamParser) process() bool {
	for {
		content := p.buf.String()

		if idx := strings.IndexByte(content, '\n'); idx >= 0 {
			line := content[:idx]
			rest := content[idx+1:]
			p.buf.Reset()
			p.buf.WriteString(rest)
			if p.handleLine(line) {
				p.stopped = true
				return true
			}
			if p.answerMode {
				// Everything after the tag belongs to the answer.
				p.buf.Reset()
				if rest != "" {
					p.emitChunk(rest)
				}
				return false
			}
			continue
		}

		trimmed := strings.TrimLeft(content, " \t")
		if after, ok := strings.CutPrefix(trimmed, tagAnswer); ok {
			p.openAnswer(after)
			return false
		}
		if strings.HasPrefix(trimmed, tagObservation) {
			p.stopped = true
			return true
		}
		return false
	}
}

// handleLine classifies one complete line. Returns true when the line is a
// fabricated observation.
func (p *StreamParser) handleLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, tagThought):
		p.sawTag = true
		if p.callbacks.OnThought != nil {
			p.callbacks.OnThought(strings.TrimSpace(strings.TrimPrefix(trimmed, tagThought)))
		}
	case strings.HasPrefix(trimmed, tagAction):
		p.sawTag = true
		p.actionSeen = true
		if p.callbacks.OnAction != nil {
			p.callbacks.OnAction(strings.TrimSpace(strings.TrimPrefix(trimmed, tagAction)))
		}
	case strings.HasPrefix(trimmed, tagObservation):
		return true
	case strings.HasPrefix(trimmed, tagAnswer):
		p.openAnswer(strings.TrimPrefix(trimmed, tagAnswer) + "\n")
	case trimmed != "":
		p.plain.WriteString(line)
		p.plain.WriteString("\n")
	}
	return false
}

func (p *StreamParser) openAnswer(rest string) {
	p.sawTag = true
	p.answerMode = true
	p.answerOpened = true
	p.buf.Reset()
	if rest == "" {
		// Separator space may arrive with the next token.
		p.stripLead = true
		return
	}
	rest = strings.TrimPrefix(rest, " ")
	if rest != "" {
		p.emitChunk(rest)
	}
}

func (p *StreamParser) emitChunk(chunk string) {
	if p.callbacks.OnAnswerChunk != nil {
		p.callbacks.OnAnswerChunk(chunk)
	}
}

// Finish flushes state at end-of-stream. A trailing line without a newline
// is classified; if the model never used a tag at all, its raw output is
// delivered as the answer.
func (p *StreamParser) Finish() {
	if p.stopped || p.answerMode {
		return
	}
	if remainder := p.buf.String(); strings.TrimSpace(remainder) != "" {
		if p.handleLine(remainder) {
			p.stopped = true
			return
		}
	}
	p.buf.Reset()
	if !p.sawTag && p.plain.Len() > 0 {
		p.answerOpened = true
		p.emitChunk(strings.TrimRight(p.plain.String(), "\n"))
	}
}
