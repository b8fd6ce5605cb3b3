package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tracklab/tracklab-agent/internal/thread"
)

type anthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider returns a Provider backed by the Anthropic Messages API.
func NewAnthropicProvider(apiKey string, baseURL string) (Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicProvider{client: anthropic.NewClient(opts...)}, nil
}

func (p *anthropicProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.History),
		Tools:     buildAnthropicTools(req.Tools),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	var textBuf strings.Builder

	type partialCall struct {
		Index int64
		ID    string
		Name  string

		Started bool
		Ended   bool
		ArgsRaw strings.Builder
	}
	partials := map[int64]*partialCall{} // content_block index -> partial

	emitStart := func(pc *partialCall) {
		if pc == nil || pc.Started {
			return
		}
		pc.Started = true
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: strings.TrimSpace(pc.ID), Name: strings.TrimSpace(pc.Name)}})
	}
	emitArgsDelta := func(pc *partialCall, delta string) {
		if pc == nil || delta == "" {
			return
		}
		emitStart(pc)
		pc.ArgsRaw.WriteString(delta)
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &PartialToolCall{ID: strings.TrimSpace(pc.ID), Name: strings.TrimSpace(pc.Name), ArgumentsDelta: delta}})
	}
	emitEnd := func(pc *partialCall) {
		if pc == nil || pc.Ended {
			return
		}
		pc.Ended = true
		emitStart(pc)
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: strings.TrimSpace(pc.ID), Name: strings.TrimSpace(pc.Name)}})
	}

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return TurnResult{}, err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if strings.TrimSpace(variant.ContentBlock.Type) != "tool_use" {
				continue
			}
			callID := strings.TrimSpace(variant.ContentBlock.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(partials)+1)
			}
			pc := &partialCall{Index: variant.Index, ID: callID, Name: strings.TrimSpace(variant.ContentBlock.Name)}
			partials[variant.Index] = pc
			emitStart(pc)

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				textBuf.WriteString(delta.Text)
				emitProviderEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Text: delta.Text})
			case anthropic.InputJSONDelta:
				emitArgsDelta(partials[variant.Index], delta.PartialJSON)
			}

		case anthropic.ContentBlockStopEvent:
			pc := partials[variant.Index]
			if pc == nil || pc.Ended {
				continue
			}
			if strings.TrimSpace(pc.ArgsRaw.String()) == "" {
				idx := int(variant.Index)
				if idx >= 0 && idx < len(msg.Content) {
					if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
						pc.ArgsRaw.WriteString(strings.TrimSpace(string(tu.Input)))
					}
				}
			}
			emitEnd(pc)
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}

	result := TurnResult{Text: strings.TrimSpace(textBuf.String()), FinishReason: string(msg.StopReason)}

	indices := make([]int64, 0, len(partials))
	for idx, pc := range partials {
		if pc == nil || !pc.Ended {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, idx := range indices {
		pc := partials[idx]
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:       strings.TrimSpace(pc.ID),
			Name:     strings.TrimSpace(pc.Name),
			ArgsJSON: normalizeArgsJSON(pc.ArgsRaw.String()),
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	if result.Text == "" {
		for _, block := range msg.Content {
			if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
				result.Text = strings.TrimSpace(tb.Text)
				break
			}
		}
	}
	return result, nil
}

func buildAnthropicTools(defs []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schemaMap := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schemaMap)
		}
		required, _ := schemaMap["required"].([]any)
		requiredNames := make([]string, 0, len(required))
		for _, r := range required {
			if s, ok := r.(string); ok {
				requiredNames = append(requiredNames, s)
			}
		}
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schemaMap["properties"], Required: requiredNames},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// buildAnthropicMessages converts stored history into Messages API params.
// Tool returns become user-role tool_result blocks, paired with the
// tool_use blocks replayed on the preceding assistant message.
func buildAnthropicMessages(history []thread.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, msg := range history {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Parts))
		switch msg.Kind {
		case thread.KindRequest:
			for _, part := range msg.Parts {
				switch part.Type {
				case thread.PartUserPrompt:
					if txt := strings.TrimSpace(part.Content); txt != "" {
						blocks = append(blocks, anthropic.NewTextBlock(txt))
					}
				case thread.PartToolReturn:
					callID := strings.TrimSpace(part.ToolCallID)
					if callID == "" {
						continue
					}
					blocks = append(blocks, anthropic.NewToolResultBlock(callID, strings.TrimSpace(string(part.Result)), false))
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case thread.KindResponse:
			for _, part := range msg.Parts {
				switch part.Type {
				case thread.PartText:
					if txt := strings.TrimSpace(part.Content); txt != "" {
						blocks = append(blocks, anthropic.NewTextBlock(txt))
					}
				case thread.PartToolCall:
					callID := strings.TrimSpace(part.ToolCallID)
					name := strings.TrimSpace(part.ToolName)
					if callID == "" || name == "" {
						continue
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(callID, normalizeArgsJSON(string(part.Args)), name))
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}
