package llmstep

import (
	"context"
	"fmt"

	"github.com/recera/agentrun/conversation"
	"github.com/recera/agentrun/events"
	"github.com/recera/agentrun/pipeline"
	"github.com/recera/agentrun/result"
	"github.com/recera/agentrun/tagparser"
)

// MessageBuilder turns a step's input and the current pipeline context
// into the user message text for this invocation.
type MessageBuilder func(input any, pctx *pipeline.Context) string

// DefaultMaxCorrectionRetries bounds the outer cognitive-retry loop:
// parse failures feed back as a synthetic correction message this many
// times before the step gives up.
const DefaultMaxCorrectionRetries = 3

// Step is the LLM pipeline step: request construction, the bounded
// self-correction loop, the recursive tool loop, response parsing, and
// (optionally) streaming chunk accumulation with inline tag handling. It
// always reports zero pipeline-level retries to the executor — cognitive
// retries are its own internal concern, isolated from RetryMiddleware's
// transient-failure retries around the step as a whole.
type Step struct {
	pipeline.BaseStep

	Provider Provider
	Profile  Profile
	Tools    []Tool
	// ReadOnlyTools overrides the loop-detection allow-list; nil means
	// DefaultReadOnlyTools.
	ReadOnlyTools []string
	TagHandlers   []tagparser.Handler

	MessageBuilder       MessageBuilder
	SystemPrompt         string
	MaxCorrectionRetries int
	MaxToolIterations    int
	MaxContextTokens     int
	UseStreaming         bool
	ConversationFactory  func() *conversation.Context
	RateLimiter          *RateLimiter

	output OutputSpec
}

// DefaultMaxContextTokens bounds GetMessagesForRequest's sliding-window
// selection when a Step declares no MaxContextTokens of its own.
const DefaultMaxContextTokens = 8000

// NewStep constructs a Step whose declared output type is T. T determines
// response-parsing behavior per spec.md §4.10: string passthrough for
// string, best-effort conversion for a scalar, schema-validated
// deserialization for anything else.
func NewStep[T any](name string, provider Provider, profile Profile, messageBuilder MessageBuilder) (*Step, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("llmstep: invalid profile: %w", err)
	}

	spec, err := newOutputSpec[T]()
	if err != nil {
		return nil, err
	}
	return &Step{
		BaseStep:             pipeline.BaseStep{StepName: name},
		Provider:             provider,
		Profile:              profile,
		MessageBuilder:       messageBuilder,
		MaxCorrectionRetries: DefaultMaxCorrectionRetries,
		MaxToolIterations:    DefaultMaxToolIterations,
		output:               spec,
	}, nil
}

func (s *Step) readOnlySet() map[string]bool {
	names := s.ReadOnlyTools
	if names == nil {
		names = DefaultReadOnlyTools
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Execute runs the full correction loop described in spec.md §4.7. The
// pipeline's own attempt/lastResult parameters are ignored: Step reports
// MaxRetries()==0, so the executor always calls Execute with attempt==1,
// and the correction loop's own retries happen entirely inside this one
// call.
func (s *Step) Execute(ctx context.Context, pctx *pipeline.Context, _ int, input any, _ any) (any, error) {
	conv := pctx.Conversation
	if conv == nil && s.ConversationFactory != nil {
		conv = s.ConversationFactory()
	}
	if conv == nil {
		return nil, result.Error(s.Name(), "no conversation available", result.ErrorInternal, nil)
	}

	initialBookmark := conv.History.CreateBookmark()
	userMessage := s.MessageBuilder(input, pctx)

	maxRetries := s.MaxCorrectionRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxCorrectionRetries
	}

	var (
		finalValue   any
		finalContent string
		finalErr     error
	)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			conv.History.AddUserMessage(fmt.Sprintf("Your previous response could not be used: %s\nPlease correct it and respond again.", finalErr.Error()))
		} else {
			conv.History.AddUserMessage(userMessage)
		}

		req := s.buildRequest(conv)

		loopState := &toolLoopState{
			provider:      s.Provider,
			tools:         s.Tools,
			readOnlyTools: s.readOnlySet(),
			rateLimiter:   s.RateLimiter,
			maxIterations: s.effectiveMaxToolIterations(),
			pctx:          pctx,
			stepName:      s.Name(),
			useStreaming:  s.UseStreaming,
		}
		if len(s.TagHandlers) > 0 {
			parser := tagparser.NewParser(s.TagHandlers...)
			parser.OnTagStarted = func(tagName string) { s.emitTagEvent(pctx, events.TagStarted, tagName) }
			parser.OnTagCompleted = func(tagName string) { s.emitTagEvent(pctx, events.TagCompleted, tagName) }
			loopState.tagParser = parser
		}

		resp, err := invokeWithTools(ctx, loopState, req, 0, "", 0)
		if err != nil {
			finalErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		value, perr := ParseResponse(s.output, resp.Content)
		if perr != nil {
			finalErr = perr
			continue
		}

		finalValue = value
		finalContent = resp.Content
		finalErr = nil
		break
	}

	s.finalize(conv, initialBookmark, userMessage, finalContent, finalErr)

	if finalErr != nil {
		return nil, result.Error(s.Name(), "exhausted correction retries", result.ErrorValidation, finalErr)
	}
	return finalValue, nil
}

// finalize implements spec.md §4.7's invocation-completion contract:
// regardless of how many correction attempts ran, the conversation is
// restored to its pre-invocation state and left with exactly one clean
// user message and one assistant message (the successful content, or a
// short error marker).
func (s *Step) finalize(conv *conversation.Context, bookmark conversation.Bookmark, userMessage, finalContent string, finalErr error) {
	_ = conv.History.RestoreBookmark(bookmark)
	conv.History.AddUserMessage(userMessage)
	if finalErr != nil {
		conv.History.AddAssistantMessage(fmt.Sprintf("[error: %s]", finalErr.Error()))
		return
	}
	conv.History.AddAssistantMessage(finalContent)
}

// emitTagEvent reports a tag-span lifecycle transition from the tag
// parser's OnTagStarted/OnTagCompleted callbacks.
func (s *Step) emitTagEvent(pctx *pipeline.Context, t events.Type, tagName string) {
	if pctx == nil || pctx.Events == nil {
		return
	}
	pctx.Events.Send(events.New(t, s.Name(), pctx.CorrelationID).WithPayload(tagName))
}

func (s *Step) effectiveMaxToolIterations() int {
	if s.MaxToolIterations <= 0 {
		return DefaultMaxToolIterations
	}
	return s.MaxToolIterations
}

// buildRequest implements spec.md §4.8: sampling parameters from the
// profile, tool definitions, a system prompt enriched with tool-usage
// guidelines and tag-handler instructions, and a response-format
// directive chosen by ConfigureJsonResponse.
func (s *Step) buildRequest(conv *conversation.Context) Request {
	systemPrompt := s.SystemPrompt
	for _, t := range s.Tools {
		if g := t.UsageGuidelines(); g != "" {
			systemPrompt += "\n" + g
		}
	}
	for _, h := range s.TagHandlers {
		systemPrompt += "\n" + h.Instructions()
	}

	format := ConfigureJsonResponse(s.Profile, s.output.SchemaJSON)
	if len(s.output.SchemaJSON) > 0 && (format == nil || format.JSONMime) {
		// JSONObject and JSONNone capabilities: the request carries no
		// schema of its own, so the schema text is appended to the system
		// prompt. The user message is never altered to include it.
		systemPrompt += "\nRespond with JSON matching this schema:\n" + string(s.output.SchemaJSON)
	}

	maxContextTokens := s.MaxContextTokens
	if maxContextTokens <= 0 {
		maxContextTokens = DefaultMaxContextTokens
	}

	return Request{
		Conversation:     conv,
		UseSlidingWindow: true,
		MaxContextTokens: maxContextTokens,
		SystemPrompt:     systemPrompt,
		Sampling:         s.Profile.Sampling,
		Tools:            toolDefinitions(s.Tools),
		Format:           format,
	}
}
