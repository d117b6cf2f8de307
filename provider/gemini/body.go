package gemini

import (
	"encoding/json"
	"strings"

	"github.com/loomkit/loom"
)

// --- Wire types ---

type generateBody struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	Tools             []toolsBlock     `json:"tools,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"` // "user" or "model"
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type toolsBlock struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

// buildBody converts a loom.ChatRequest to the Gemini wire format.
// Assistant messages map to the "model" role; tool results become
// functionResponse parts on a user turn.
func (g *Gemini) buildBody(req loom.ChatRequest) generateBody {
	body := generateBody{
		GenerationConfig: generationConfig{
			Temperature:     g.temperature,
			TopP:            g.topP,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.Temperature != 0 {
		body.GenerationConfig.Temperature = req.Temperature
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			c := content{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				c.Parts = append(c.Parts, part{FunctionCall: &functionCall{Name: tc.Name, Args: tc.Args}})
			}
			body.Contents = append(body.Contents, c)
		case "tool":
			body.Contents = append(body.Contents, content{
				Role: "user",
				Parts: []part{{FunctionResponse: &functionResponse{
					Name:     m.ToolCallID,
					Response: json.RawMessage(m.Content),
				}}},
			})
		default:
			body.Contents = append(body.Contents, content{
				Role:  "user",
				Parts: []part{{Text: m.Content}},
			})
		}
	}

	if len(req.Tools) > 0 {
		block := toolsBlock{}
		for _, t := range req.Tools {
			block.FunctionDeclarations = append(block.FunctionDeclarations, functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		body.Tools = []toolsBlock{block}
	}
	return body
}

// parseCandidates extracts content, tool calls, and usage from a
// generate response (full or streamed chunk).
func parseCandidates(resp generateResponse) loom.ChatResponse {
	var out loom.ChatResponse
	if len(resp.Candidates) > 0 {
		var text strings.Builder
		for _, p := range resp.Candidates[0].Content.Parts {
			if p.Text != "" {
				text.WriteString(p.Text)
			}
			if p.FunctionCall != nil {
				args := p.FunctionCall.Args
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				out.ToolCalls = append(out.ToolCalls, loom.ToolCall{
					Name: p.FunctionCall.Name,
					Args: args,
				})
			}
		}
		out.Content = text.String()
	}
	if resp.UsageMetadata != nil {
		out.Usage = loom.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out
}
