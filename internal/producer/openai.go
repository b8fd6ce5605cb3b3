package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/tracklab/tracklab-agent/internal/thread"
)

type openAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider returns a Provider backed by the OpenAI Responses API.
// baseURL may point at an OpenAI-compatible gateway.
func NewOpenAIProvider(apiKey string, baseURL string) (Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIProvider{client: openai.NewClient(opts...)}, nil
}

func (p *openAIProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}

	inputItems := buildOpenAIInput(req.History)
	if len(inputItems) == 0 {
		inputItems = append(inputItems, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}
	if tools := buildOpenAITools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	var textBuf strings.Builder
	gotCompleted := false

	type partialCall struct {
		CallID      string
		Name        string
		OutputIndex int64

		Started bool
		Ended   bool
		ArgsRaw strings.Builder
	}
	partials := map[string]*partialCall{} // item_id -> partial

	emitStart := func(pc *partialCall) {
		if pc == nil || pc.Started {
			return
		}
		pc.Started = true
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: strings.TrimSpace(pc.CallID), Name: strings.TrimSpace(pc.Name)}})
	}
	emitArgsDelta := func(pc *partialCall, delta string) {
		if pc == nil || delta == "" {
			return
		}
		emitStart(pc)
		pc.ArgsRaw.WriteString(delta)
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &PartialToolCall{ID: strings.TrimSpace(pc.CallID), Name: strings.TrimSpace(pc.Name), ArgumentsDelta: delta}})
	}
	emitEnd := func(pc *partialCall) {
		if pc == nil || pc.Ended {
			return
		}
		pc.Ended = true
		emitStart(pc)
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: strings.TrimSpace(pc.CallID), Name: strings.TrimSpace(pc.Name)}})
	}

	getPartial := func(itemID string) *partialCall {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil
		}
		if pc := partials[itemID]; pc != nil {
			return pc
		}
		pc := &partialCall{CallID: itemID, OutputIndex: -1}
		partials[itemID] = pc
		return pc
	}

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			textBuf.WriteString(delta)
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Text: delta})

		case "response.output_item.added":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := getPartial(item.ID)
			if pc == nil {
				continue
			}
			if pc.OutputIndex < 0 {
				pc.OutputIndex = event.OutputIndex
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.CallID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.Name = name
			}
			emitStart(pc)
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				emitArgsDelta(pc, raw)
			}

		case "response.function_call_arguments.delta":
			pc := getPartial(event.ItemID)
			if pc == nil {
				continue
			}
			emitArgsDelta(pc, event.Delta.OfString)

		case "response.function_call_arguments.done":
			pc := getPartial(event.ItemID)
			if pc == nil {
				continue
			}
			if raw := strings.TrimSpace(event.Arguments); raw != "" {
				pc.ArgsRaw.Reset()
				pc.ArgsRaw.WriteString(raw)
			}
			emitEnd(pc)

		case "response.output_item.done":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := getPartial(item.ID)
			if pc == nil {
				continue
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.CallID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.Name = name
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" && strings.TrimSpace(pc.ArgsRaw.String()) == "" {
				pc.ArgsRaw.WriteString(raw)
			}
			emitEnd(pc)

		case "response.completed":
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}
	if !gotCompleted {
		return TurnResult{}, errors.New("missing response.completed event")
	}

	result := TurnResult{Text: strings.TrimSpace(textBuf.String()), FinishReason: "stop"}

	ordered := make([]*partialCall, 0, len(partials))
	for _, pc := range partials {
		if pc == nil || !pc.Ended || strings.TrimSpace(pc.CallID) == "" {
			continue
		}
		ordered = append(ordered, pc)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		oi, oj := ordered[i].OutputIndex, ordered[j].OutputIndex
		if oi < 0 && oj >= 0 {
			return false
		}
		if oj < 0 && oi >= 0 {
			return true
		}
		if oi == oj {
			return ordered[i].CallID < ordered[j].CallID
		}
		return oi < oj
	})
	for _, pc := range ordered {
		args := normalizeArgsJSON(pc.ArgsRaw.String())
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:       strings.TrimSpace(pc.CallID),
			Name:     strings.TrimSpace(pc.Name),
			ArgsJSON: args,
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result, nil
}

func emitProviderEvent(onEvent func(StreamEvent), event StreamEvent) {
	if onEvent != nil {
		onEvent(event)
	}
}

func normalizeArgsJSON(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" || !json.Valid([]byte(raw)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

func buildOpenAITools(defs []ToolDef) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		out = append(out, oresponses.ToolParamOfFunction(strings.TrimSpace(def.Name), schema, false))
	}
	return out
}

// buildOpenAIInput converts stored history into Responses API input items.
func buildOpenAIInput(history []thread.Message) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(history)+2)
	assistantMsgSeq := 0

	for _, msg := range history {
		switch msg.Kind {
		case thread.KindRequest:
			for _, part := range msg.Parts {
				switch part.Type {
				case thread.PartUserPrompt:
					if txt := strings.TrimSpace(part.Content); txt != "" {
						items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
					}
				case thread.PartToolReturn:
					callID := strings.TrimSpace(part.ToolCallID)
					if callID == "" {
						continue
					}
					output := strings.TrimSpace(string(part.Result))
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, output))
				}
			}
		case thread.KindResponse:
			for _, part := range msg.Parts {
				switch part.Type {
				case thread.PartText:
					txt := strings.TrimSpace(part.Content)
					if txt == "" {
						continue
					}
					assistantMsgSeq++
					// Responses API requires output message IDs to start with "msg_".
					msgID := fmt.Sprintf("msg_hist%d", assistantMsgSeq)
					items = append(items, oresponses.ResponseInputItemParamOfOutputMessage(
						[]oresponses.ResponseOutputMessageContentUnionParam{{
							OfOutputText: &oresponses.ResponseOutputTextParam{
								Text:        txt,
								Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
							},
						}},
						msgID,
						oresponses.ResponseOutputMessageStatusCompleted,
					))
				case thread.PartToolCall:
					callID := strings.TrimSpace(part.ToolCallID)
					name := strings.TrimSpace(part.ToolName)
					if callID == "" || name == "" {
						continue
					}
					argsRaw := string(normalizeArgsJSON(string(part.Args)))
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, callID, name))
				}
			}
		}
	}
	return items
}
