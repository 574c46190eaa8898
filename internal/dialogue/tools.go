package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Hieu-vn/voip-ai-agent/internal/llm"
)

// Invoker executes one tool call with JSON-encoded arguments.
type Invoker interface {
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, args)
}

// Registry holds the tools the model may call, with their schemas. Built at
// startup and read-only afterwards.
type Registry struct {
	tools   map[string]Invoker
	schemas []llm.ToolSchema
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Invoker)}
}

// Register adds a named tool. The description and parameter schema are
// advertised to the model verbatim.
func (r *Registry) Register(name, description string, parameters json.RawMessage, inv Invoker) {
	r.tools[name] = inv
	r.schemas = append(r.schemas, llm.ToolSchema{
		Type: "function",
		Function: llm.ToolSchemaFunction{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	})
}

// Schemas returns the advertised tool schemas.
func (r *Registry) Schemas() []llm.ToolSchema { return r.schemas }

// Invoke dispatches one call to the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	inv, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("dialogue: unknown tool %q", name)
	}
	return inv.Invoke(ctx, args)
}

// CRMTool calls the CRM backend over HTTP: POST {tool, arguments} to
// /tools/invoke, response {result} or {error}.
type CRMTool struct {
	HTTPClient *http.Client
	BaseURL    string
	Name       string
}

func NewCRMTool(baseURL, name string) *CRMTool {
	return &CRMTool{
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Name:       name,
	}
}

type toolInvokeRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolInvokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (c *CRMTool) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	body, _ := json.Marshal(toolInvokeRequest{Tool: c.Name, Arguments: args})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dialogue: crm call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("dialogue: crm status=%d body=%s", resp.StatusCode, string(b))
	}
	var out toolInvokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("dialogue: crm: %s", out.Error)
	}
	return out.Result, nil
}

// KnowledgeTool queries the retrieval service backing the FAQ knowledge
// base: POST {query, top_k} to /search, response {results: [{text, score}]}.
type KnowledgeTool struct {
	HTTPClient *http.Client
	BaseURL    string
	TopK       int
}

func NewKnowledgeTool(baseURL string) *KnowledgeTool {
	return &KnowledgeTool{
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		TopK:       3,
	}
}

type knowledgeSearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type knowledgeSearchResponse struct {
	Results []struct {
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	} `json:"results"`
}

func (k *KnowledgeTool) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("dialogue: knowledge args: %w", err)
	}
	body, _ := json.Marshal(knowledgeSearchRequest{Query: in.Query, TopK: k.TopK})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dialogue: knowledge call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("dialogue: knowledge status=%d body=%s", resp.StatusCode, string(b))
	}
	var out knowledgeSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	passages := make([]string, 0, len(out.Results))
	for _, res := range out.Results {
		passages = append(passages, res.Text)
	}
	return json.Marshal(struct {
		Passages []string `json:"passages"`
	}{Passages: passages})
}

// DefaultRegistry wires the CRM tools the agent supports against crmBaseURL,
// plus the knowledge search tool when a retrieval service is configured.
func DefaultRegistry(crmBaseURL, knowledgeBaseURL string) *Registry {
	r := NewRegistry()
	orderSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"order_id": {"type": "string", "description": "Mã đơn hàng, ví dụ DH123"},
			"phone": {"type": "string", "description": "Số điện thoại đặt hàng"}
		}
	}`)
	ticketSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"ticket_id": {"type": "string", "description": "Mã phiếu hỗ trợ"}
		}
	}`)
	r.Register("lookup_order", "Tra cứu trạng thái đơn hàng của khách", orderSchema, NewCRMTool(crmBaseURL, "lookup_order"))
	r.Register("lookup_ticket", "Tra cứu phiếu hỗ trợ của khách", ticketSchema, NewCRMTool(crmBaseURL, "lookup_ticket"))
	if knowledgeBaseURL != "" {
		knowledgeSchema := json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Câu hỏi cần tra cứu trong cơ sở tri thức"}
			},
			"required": ["query"]
		}`)
		r.Register("search_knowledge", "Tra cứu thông tin dịch vụ trong cơ sở tri thức của tổng đài", knowledgeSchema, NewKnowledgeTool(knowledgeBaseURL))
	}
	return r
}
