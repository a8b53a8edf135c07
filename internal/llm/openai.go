package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"
)

// DefaultMaxToolRounds bounds how many times one reply may call tools
const DefaultMaxToolRounds = 3

// OpenAIConfig configures an OpenAIGenerator. Any OpenAI-compatible
// endpoint works; Groq is the default deployment target.
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	MaxToolRounds int
}

// OpenAIGenerator streams chat completions and runs tool calls in between
type OpenAIGenerator struct {
	client        oai.Client
	model         string
	maxToolRounds int
	tools         map[string]Tool
	toolParams    []oai.ChatCompletionToolParam
	logger        zerolog.Logger
}

// NewOpenAIGenerator creates a generator with the given tools
func NewOpenAIGenerator(cfg OpenAIConfig, logger zerolog.Logger, tools []Tool, opts ...option.RequestOption) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	g := &OpenAIGenerator{
		client:        oai.NewClient(reqOpts...),
		model:         cfg.Model,
		maxToolRounds: cfg.MaxToolRounds,
		tools:         make(map[string]Tool, len(tools)),
		logger:        logger.With().Str("component", "llm").Logger(),
	}
	if g.maxToolRounds < 0 {
		g.maxToolRounds = 0
	}
	for _, t := range tools {
		def := t.Definition()
		g.tools[def.Name] = t
		g.toolParams = append(g.toolParams, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: param.NewOpt(def.Description),
				Parameters:  shared.FunctionParameters(def.Parameters),
			},
		})
	}
	return g, nil
}

// Stream implements Generator. The first request is made before Stream
// returns so setup failures surface here; tool rounds run in the background.
func (g *OpenAIGenerator) Stream(ctx context.Context, req Request) (DeltaStream, error) {
	msgs, err := buildMessages(req)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	first := g.client.Chat.Completions.NewStreaming(streamCtx, g.buildParams(msgs, 0))
	if err := first.Err(); err != nil {
		first.Close()
		cancel()
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	s := &deltaStream{
		events: make(chan delta, 32),
		cancel: cancel,
	}
	go g.pump(streamCtx, s, first, msgs)
	return s, nil
}

func (g *OpenAIGenerator) buildParams(msgs []oai.ChatCompletionMessageParamUnion, round int) oai.ChatCompletionNewParams {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.model),
		Messages: msgs,
	}
	// the last round gets no tools so the model has to answer in text
	if round < g.maxToolRounds {
		params.Tools = g.toolParams
	}
	return params
}

// pump forwards content deltas and resolves tool calls until the model
// finishes a round without requesting any.
func (g *OpenAIGenerator) pump(ctx context.Context, s *deltaStream, stream *ssestream.Stream[oai.ChatCompletionChunk], msgs []oai.ChatCompletionMessageParamUnion) {
	defer close(s.events)

	for round := 0; ; round++ {
		if round > 0 {
			stream = g.client.Chat.Completions.NewStreaming(ctx, g.buildParams(msgs, round))
		}

		calls, err := g.readRound(ctx, s, stream)
		stream.Close()
		if err != nil {
			s.send(ctx, delta{err: fmt.Errorf("openai: stream: %w", err)})
			return
		}
		if len(calls) == 0 {
			return
		}

		msgs = append(msgs, assistantToolMessage(calls))
		for _, call := range calls {
			msgs = append(msgs, oai.ToolMessage(g.runTool(ctx, call), call.ID))
		}
	}
}

// readRound drains one completion stream and returns the tool calls it requested
func (g *OpenAIGenerator) readRound(ctx context.Context, s *deltaStream, stream *ssestream.Stream[oai.ChatCompletionChunk]) ([]ToolCall, error) {
	// accumulated tool calls keyed by index
	accum := map[int]*ToolCall{}

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		d := chunk.Choices[0].Delta

		for _, tc := range d.ToolCalls {
			idx := int(tc.Index)
			existing, ok := accum[idx]
			if !ok {
				existing = &ToolCall{}
				accum[idx] = existing
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			existing.Arguments += tc.Function.Arguments
		}

		if d.Content != "" && !s.send(ctx, delta{text: d.Content}) {
			return nil, ctx.Err()
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	calls := make([]ToolCall, 0, len(accum))
	for i := 0; len(calls) < len(accum); i++ {
		if tc, ok := accum[i]; ok {
			calls = append(calls, *tc)
		}
	}
	return calls, nil
}

// runTool executes one call. Failures are reported back to the model as the
// tool result so it can answer the user anyway.
func (g *OpenAIGenerator) runTool(ctx context.Context, call ToolCall) string {
	tool, ok := g.tools[call.Name]
	if !ok {
		g.logger.Warn().Str("tool", call.Name).Msg("Model requested unknown tool")
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}

	g.logger.Info().Str("tool", call.Name).Str("arguments", call.Arguments).Msg("Calling tool")
	out, err := tool.Call(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		g.logger.Warn().Err(err).Str("tool", call.Name).Msg("Tool call failed")
		return "error: " + err.Error()
	}
	return out
}

func assistantToolMessage(calls []ToolCall) oai.ChatCompletionMessageParamUnion {
	return convertMessage(Message{Role: RoleAssistant, ToolCalls: calls})
}

func buildMessages(req Request) ([]oai.ChatCompletionMessageParamUnion, error) {
	var msgs []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return nil, fmt.Errorf("openai: unknown message role %q", m.Role)
		}
		msgs = append(msgs, convertMessage(m))
	}
	if len(msgs) == 0 {
		return nil, errors.New("openai: no messages")
	}
	return msgs, nil
}

// convertMessage converts a Message with a known role to an SDK message param
func convertMessage(m Message) oai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case RoleSystem:
		return oai.SystemMessage(m.Content)
	case RoleUser:
		return oai.UserMessage(m.Content)
	case RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID)
	}

	asst := oai.ChatCompletionAssistantMessageParam{}
	if m.Content != "" {
		asst.Content.OfString = oai.String(m.Content)
	}
	for _, tc := range m.ToolCalls {
		asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: oai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

type delta struct {
	text string
	err  error
}

// deltaStream is the consumer side of pump
type deltaStream struct {
	events chan delta
	cancel context.CancelFunc

	once sync.Once
	err  error // sticky terminal error
}

func (s *deltaStream) send(ctx context.Context, d delta) bool {
	select {
	case s.events <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *deltaStream) Recv(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case d, ok := <-s.events:
		if !ok {
			s.err = io.EOF
			return "", io.EOF
		}
		if d.err != nil {
			s.err = d.err
			return "", d.err
		}
		return d.text, nil
	}
}

func (s *deltaStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}
