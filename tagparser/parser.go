// Package tagparser implements the streaming scanner that lets an LLM
// emit inline directives — "<tagname attr=\"v\">...</tagname>" spans —
// that trigger a side effect without the payload polluting the
// user-visible stream. A handled tag's span is replaced by a placeholder
// in the output; unhandled tags pass through unchanged.
package tagparser

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Handler reacts to one tag name. Instructions is appended to the
// system prompt so the model knows how to invoke the tag. The streaming
// path drives OnTagStart/OnContent/OnTagEnd incrementally as chunks
// arrive; OnCompleteTag is the non-streaming fallback, called once with
// the tag's full body.
type Handler interface {
	TagName() string
	Instructions() string
	OnTagStart(ctx context.Context, attrs map[string]string) (any, error)
	OnContent(ctx context.Context, tagState any, fragment string) error
	OnTagEnd(ctx context.Context, tagState any) (string, error)
	OnCompleteTag(ctx context.Context, attrs map[string]string, fullContent string) (string, error)
}

var openTagPattern = regexp.MustCompile(`^<([a-zA-Z_][\w-]*)((?:\s+[\w-]+="[^"]*")*)\s*>`)
var attrPattern = regexp.MustCompile(`([\w-]+)="([^"]*)"`)

func parseAttributes(raw string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(raw, -1) {
		attrs[m[1]] = m[2]
	}
	return attrs
}

type scanState int

const (
	stateOutside scanState = iota
	stateBufferingOpen
	stateInTagBody
)

// Parser incrementally scans a stream of text deltas for tag spans
// handled by a registered Handler. A Parser is not safe for concurrent
// use; each LLM step invocation owns its own instance.
type Parser struct {
	handlers map[string]Handler
	order    []string

	// OnTagStarted and OnTagCompleted, when set, are invoked around each
	// handled tag span so callers can emit lifecycle events without the
	// parser depending on an event bus directly.
	OnTagStarted   func(tagName string)
	OnTagCompleted func(tagName string)

	state       scanState
	pending     strings.Builder
	activeName  string
	activeState any
	bodyBuf     strings.Builder
}

// NewParser constructs a Parser dispatching to the given handlers, keyed
// by their declared tag name.
func NewParser(handlers ...Handler) *Parser {
	p := &Parser{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		p.handlers[h.TagName()] = h
		p.order = append(p.order, h.TagName())
	}
	return p
}

// Handlers returns the registered handlers in registration order.
func (p *Parser) Handlers() []Handler {
	out := make([]Handler, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.handlers[name])
	}
	return out
}

// Instructions concatenates every handler's Instructions text, in
// registration order, for inclusion in the system prompt.
func (p *Parser) Instructions() string {
	var sb strings.Builder
	for _, name := range p.order {
		sb.WriteString(p.handlers[name].Instructions())
		sb.WriteString("\n")
	}
	return sb.String()
}

// safeSuffixLen returns the length of the longest suffix of s that is
// also a proper prefix of closeTag, so a close tag split across two
// streaming chunks is never mistaken for literal body content.
func safeSuffixLen(s, closeTag string) int {
	max := len(closeTag) - 1
	if max > len(s) {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, closeTag[:l]) {
			return l
		}
	}
	return 0
}

// Feed processes one streaming delta and returns the text that should be
// forwarded to the visible output stream, with any handled tag span
// replaced by its placeholder. State persists across calls so a tag may
// span arbitrarily many deltas.
func (p *Parser) Feed(ctx context.Context, delta string) (string, error) {
	var out strings.Builder

	for len(delta) > 0 {
		switch p.state {
		case stateOutside:
			idx := strings.IndexByte(delta, '<')
			if idx < 0 {
				out.WriteString(delta)
				delta = ""
				continue
			}
			out.WriteString(delta[:idx])
			delta = delta[idx:]
			p.state = stateBufferingOpen
			p.pending.Reset()

		case stateBufferingOpen:
			idx := strings.IndexByte(delta, '>')
			if idx < 0 {
				p.pending.WriteString(delta)
				delta = ""
				continue
			}
			p.pending.WriteString(delta[:idx+1])
			delta = delta[idx+1:]
			candidate := p.pending.String()
			p.pending.Reset()

			m := openTagPattern.FindStringSubmatch(candidate)
			if m == nil {
				out.WriteString(candidate)
				p.state = stateOutside
				continue
			}
			name := m[1]
			handler, ok := p.handlers[name]
			if !ok {
				out.WriteString(candidate)
				p.state = stateOutside
				continue
			}
			tagState, err := handler.OnTagStart(ctx, parseAttributes(m[2]))
			if err != nil {
				return out.String(), fmt.Errorf("tag %s: OnTagStart: %w", name, err)
			}
			if p.OnTagStarted != nil {
				p.OnTagStarted(name)
			}
			p.activeName = name
			p.activeState = tagState
			p.bodyBuf.Reset()
			p.state = stateInTagBody

		case stateInTagBody:
			closeTag := "</" + p.activeName + ">"
			p.bodyBuf.WriteString(delta)
			body := p.bodyBuf.String()

			idx := strings.Index(body, closeTag)
			if idx < 0 {
				keep := safeSuffixLen(body, closeTag)
				content := body[:len(body)-keep]
				if content != "" {
					if err := p.handlers[p.activeName].OnContent(ctx, p.activeState, content); err != nil {
						return out.String(), fmt.Errorf("tag %s: OnContent: %w", p.activeName, err)
					}
				}
				p.bodyBuf.Reset()
				p.bodyBuf.WriteString(body[len(body)-keep:])
				delta = ""
				continue
			}

			content := body[:idx]
			if content != "" {
				if err := p.handlers[p.activeName].OnContent(ctx, p.activeState, content); err != nil {
					return out.String(), fmt.Errorf("tag %s: OnContent: %w", p.activeName, err)
				}
			}
			placeholder, err := p.handlers[p.activeName].OnTagEnd(ctx, p.activeState)
			if err != nil {
				return out.String(), fmt.Errorf("tag %s: OnTagEnd: %w", p.activeName, err)
			}
			out.WriteString(placeholder)
			if p.OnTagCompleted != nil {
				p.OnTagCompleted(p.activeName)
			}

			delta = body[idx+len(closeTag):]
			p.bodyBuf.Reset()
			p.activeName = ""
			p.activeState = nil
			p.state = stateOutside
		}
	}
	return out.String(), nil
}

// ProcessComplete runs the non-streaming fallback over a full text: every
// handled tag span is replaced by OnCompleteTag's placeholder. Unlike
// Feed, no state persists across calls.
func (p *Parser) ProcessComplete(ctx context.Context, content string) (string, error) {
	var out strings.Builder
	remaining := content

	for {
		idx := strings.IndexByte(remaining, '<')
		if idx < 0 {
			out.WriteString(remaining)
			break
		}
		out.WriteString(remaining[:idx])
		remaining = remaining[idx:]

		loc := openTagPattern.FindStringSubmatchIndex(remaining)
		if loc == nil {
			out.WriteByte('<')
			remaining = remaining[1:]
			continue
		}
		openEnd := loc[1]
		name := remaining[loc[2]:loc[3]]
		attrsRaw := remaining[loc[4]:loc[5]]

		handler, ok := p.handlers[name]
		if !ok {
			out.WriteString(remaining[:openEnd])
			remaining = remaining[openEnd:]
			continue
		}

		closeTag := "</" + name + ">"
		closeIdx := strings.Index(remaining[openEnd:], closeTag)
		if closeIdx < 0 {
			out.WriteString(remaining[:openEnd])
			remaining = remaining[openEnd:]
			continue
		}

		body := remaining[openEnd : openEnd+closeIdx]
		if p.OnTagStarted != nil {
			p.OnTagStarted(name)
		}
		placeholder, err := handler.OnCompleteTag(ctx, parseAttributes(attrsRaw), body)
		if err != nil {
			return out.String(), fmt.Errorf("tag %s: OnCompleteTag: %w", name, err)
		}
		if p.OnTagCompleted != nil {
			p.OnTagCompleted(name)
		}
		out.WriteString(placeholder)
		remaining = remaining[openEnd+closeIdx+len(closeTag):]
	}
	return out.String(), nil
}
