package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/nugget/chatty/internal/httpkit"
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates a client. Extra options (a base URL in
// tests, for instance) are passed to the SDK.
func NewAnthropicClient(apiKey string, maxTokens int, logger *slog.Logger, opts ...option.RequestOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Long prompts can take minutes before the first byte; rely on
		// ctx deadlines instead of a client timeout.
		option.WithHTTPClient(httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(5*time.Minute),
		)),
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(append(base, opts...)...),
		maxTokens: int64(maxTokens),
		logger:    logger.With("provider", "anthropic"),
	}
}

// Chat sends one Messages request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	params := c.buildParams(model, messages, tools)

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}
	resp := parseAnthropic(msg)
	resp.TotalDuration = time.Since(start)

	c.logger.Debug("anthropic response",
		"model", resp.Model,
		"stop_reason", msg.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	return resp, nil
}

// Ping lists one model to check the key and endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{Limit: param.NewOpt[int64](1)}); err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// buildParams converts the conversation. System messages become the
// system prompt; consecutive tool results are merged into one user
// message, which the API requires after a multi-tool assistant turn.
func (c *AnthropicClient) buildParams(model string, messages []Message, tools []Tool) anthropic.MessageNewParams {
	var (
		system []string
		out    []anthropic.MessageParam
	)
	for i := 0; i < len(messages); i++ {
		m := messages[i]
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for j, tc := range m.ToolCalls {
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Name, j)
				}
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, args, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock("(no response)"))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for ; i < len(messages) && messages[i].Role == RoleTool; i++ {
				blocks = append(blocks, anthropic.NewToolResultBlock(messages[i].ToolCallID, messages[i].Content, false))
			}
			i--
			out = append(out, anthropic.NewUserMessage(blocks...))

		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  out,
		MaxTokens: c.maxTokens,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: toolParam(t)})
	}
	return params
}

func toolParam(t Tool) *anthropic.ToolParam {
	schema := anthropic.ToolInputSchemaParam{Properties: t.Parameters["properties"]}
	switch req := t.Parameters["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if schema.Properties == nil {
		schema.Properties = map[string]any{}
	}
	return &anthropic.ToolParam{
		Name:        t.Name,
		Description: param.NewOpt(t.Description),
		InputSchema: schema,
	}
}

func parseAnthropic(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		Model:        string(msg.Model),
		CreatedAt:    time.Now(),
		Message:      Message{Role: RoleAssistant},
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = map[string]any{"_error": fmt.Sprintf("unparseable tool input: %v", err)}
				}
			}
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	resp.Message.Content = text.String()
	return resp
}
