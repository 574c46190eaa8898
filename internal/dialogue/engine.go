// Package dialogue turns a finalized user utterance into the agent's reply,
// running guardrails and at most one tool round trip per turn.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/Hieu-vn/voip-ai-agent/internal/llm"
)

// Fixed utterances. The caller must always hear something, so every failure
// path maps to one of these lines.
const (
	Greeting             = "Xin chào quý khách, em là trợ lý ảo của tổng đài. Em có thể giúp gì cho anh/chị ạ?"
	Reprompt             = "Anh/chị còn ở đó không ạ? Em có thể giúp gì thêm không ạ?"
	Apology              = "Xin lỗi, hệ thống đang bận. Anh/chị vui lòng nói lại giúp em ạ."
	SafeRedirect         = "Xin lỗi, tôi không thể hỗ trợ nội dung này. Tôi sẽ chuyển bạn tới nhân viên hỗ trợ."
	LookupFailed         = "Xin lỗi, em chưa tra cứu được thông tin lúc này, anh/chị vui lòng thử lại sau ạ."
	TransferAnnouncement = "Em sẽ chuyển máy cho nhân viên hỗ trợ, anh/chị vui lòng giữ máy ạ."
)

const systemPrompt = "Bạn là trợ lý ảo chăm sóc khách hàng qua điện thoại. " +
	"Trả lời ngắn gọn, lịch sự, bằng tiếng Việt, tối đa hai câu. " +
	"Khi cần dữ liệu đơn hàng, phiếu hỗ trợ hoặc thông tin dịch vụ, hãy gọi công cụ phù hợp. " +
	`Cuối câu trả lời, thêm một dòng JSON dạng {"intent":"...","slots":{},"done":false}.`

// State is the dialogue state accumulated across turns of one call. Only the
// engine mutates it; the session reads it to decide on transfer or hangup.
type State struct {
	Intent string
	Slots  map[string]string
	// LastClarification is the pending clarifying question; the session
	// repeats it instead of the generic re-prompt when the caller stays
	// silent.
	LastClarification string
	Transfer          bool
	Done              bool
	Turns             int
}

// NewState returns an empty dialogue state.
func NewState() State {
	return State{Slots: map[string]string{}}
}

func (s State) clone() State {
	out := s
	out.Slots = make(map[string]string, len(s.Slots))
	for k, v := range s.Slots {
		out.Slots[k] = v
	}
	return out
}

// Reply is the engine's answer for one turn.
type Reply struct {
	Text  string
	State State
	// Degraded marks fallback replies (backend timeout/error, tool failure).
	Degraded bool
	// GuardrailTripped marks safe-redirect replies.
	GuardrailTripped bool
	ToolUsed         string
	RiskTags         []string
}

// Completer is the LLM backend dependency.
type Completer interface {
	Complete(ctx context.Context, r llm.Request) (*llm.Completion, error)
}

// Engine coordinates guardrails, the language model, and the tool registry.
// Stateless across calls; all per-call state travels in State.
type Engine struct {
	completer   Completer
	registry    *Registry
	guard       *Guardrail
	norm        *Normalizer
	toolTimeout time.Duration
}

func NewEngine(completer Completer, registry *Registry, guard *Guardrail, toolTimeout time.Duration) *Engine {
	return &Engine{
		completer:   completer,
		registry:    registry,
		guard:       guard,
		norm:        DefaultNormalizer(),
		toolTimeout: toolTimeout,
	}
}

// control is the trailing JSON block the model appends to its reply.
type control struct {
	Intent string            `json:"intent"`
	Slots  map[string]string `json:"slots"`
	Done   bool              `json:"done"`
}

// Respond produces the agent's reply for one finalized transcript. The ctx
// deadline is the turn budget: on timeout the reply is the fixed apology and
// state is NOT advanced.
func (e *Engine) Respond(ctx context.Context, transcript string, history []llm.Message, st State) Reply {
	transcript = e.norm.Normalize(transcript)
	inVerdict := e.guard.Check(transcript, Inbound)
	if !inVerdict.Allowed {
		out := st.clone()
		out.Transfer = true
		out.Turns++
		return Reply{Text: SafeRedirect, State: out, GuardrailTripped: true, RiskTags: inVerdict.RiskTags}
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: inVerdict.Redacted})

	comp, err := e.completer.Complete(ctx, llm.Request{Messages: messages, Tools: e.registry.Schemas()})
	if err != nil {
		return e.fallback(st, err)
	}

	var toolUsed string
	if comp.ToolCall != nil {
		call := comp.ToolCall
		toolUsed = call.Function.Name

		toolCtx := ctx
		if e.toolTimeout > 0 {
			var cancel context.CancelFunc
			toolCtx, cancel = context.WithTimeout(ctx, e.toolTimeout)
			defer cancel()
		}
		result, terr := e.registry.Invoke(toolCtx, call.Function.Name, json.RawMessage(call.Function.Arguments))
		if terr != nil {
			if ctx.Err() != nil {
				return e.fallback(st, terr)
			}
			log.Printf("dialogue: tool %s failed: %v", call.Function.Name, terr)
			out := st.clone()
			out.Turns++
			return Reply{Text: LookupFailed, State: out, Degraded: true, ToolUsed: toolUsed}
		}

		// One round trip only: the follow-up completion gets the tool result
		// but no tool schemas, so the model cannot chain lookups.
		messages = append(messages, llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{*call}})
		messages = append(messages, llm.Message{Role: "tool", Content: string(result), ToolCallID: call.ID})
		comp, err = e.completer.Complete(ctx, llm.Request{Messages: messages})
		if err != nil {
			return e.fallback(st, err)
		}
	}

	text, ctl := parseControl(comp.Text)
	if text == "" {
		return e.fallback(st, errors.New("empty completion"))
	}

	outVerdict := e.guard.Check(text, Outbound)
	if !outVerdict.Allowed {
		out := st.clone()
		out.Transfer = true
		out.Turns++
		return Reply{Text: SafeRedirect, State: out, GuardrailTripped: true, ToolUsed: toolUsed, RiskTags: outVerdict.RiskTags}
	}

	out := st.clone()
	out.Turns++
	out.LastClarification = ""
	if ctl != nil {
		if ctl.Intent != "" {
			out.Intent = ctl.Intent
		}
		for k, v := range ctl.Slots {
			out.Slots[k] = v
		}
		out.Done = ctl.Done
		if ctl.Intent == "clarify" {
			out.LastClarification = text
		}
		if ctl.Intent == "handoff_to_agent" {
			out.Transfer = true
			// The caller always hears the fixed handoff line before the
			// bridge, whatever the model produced.
			text = TransferAnnouncement
		}
		if ctl.Intent == "end_conversation" {
			out.Done = true
		}
	}
	return Reply{Text: text, State: out, ToolUsed: toolUsed}
}

// fallback is the spoken apology path: state is returned unchanged so a
// retried utterance starts from the same place.
func (e *Engine) fallback(st State, err error) Reply {
	log.Printf("dialogue: backend failure, falling back: %v", err)
	return Reply{Text: Apology, State: st, Degraded: true}
}

// parseControl splits the model's trailing JSON control line off the spoken
// text. A missing or malformed block means plain continuation.
func parseControl(text string) (string, *control) {
	trimmed := strings.TrimSpace(text)
	idx := strings.LastIndexByte(trimmed, '\n')
	var spoken, last string
	if idx < 0 {
		spoken, last = "", trimmed
	} else {
		spoken, last = strings.TrimSpace(trimmed[:idx]), strings.TrimSpace(trimmed[idx+1:])
	}
	if strings.HasPrefix(last, "{") && strings.HasSuffix(last, "}") {
		var ctl control
		if err := json.Unmarshal([]byte(last), &ctl); err == nil {
			if spoken == "" {
				// Control block only; nothing speakable.
				return "", &ctl
			}
			return spoken, &ctl
		}
	}
	return trimmed, nil
}
