package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind 标识信封类型，取值为封闭集合。
type Kind string

const (
	UserTextInput      Kind = "user_text_input"
	ASRResult          Kind = "asr_result"
	ASRTextDisplay     Kind = "asr_text_display"
	LLMStreamChunk     Kind = "llm_stream_chunk"
	LLMStreamEnd       Kind = "llm_stream_end"
	TTSRequest         Kind = "tts_request"
	TTSDone            Kind = "tts_done"
	Screenshot         Kind = "screenshot"
	ScreenshotMemory   Kind = "screenshot_memory"
	ActionRequest      Kind = "action_request"
	ActionResult       Kind = "action_result"
	ExpressionUpdate   Kind = "expression_update"
	ProactiveMessage   Kind = "proactive_message"
	MicStartRecording  Kind = "mic_start_recording"
	MicStopRecording   Kind = "mic_stop_recording"
	MicModeChange      Kind = "mic_mode_change"
	MicTestRequest     Kind = "mic_test_request"
	MicTestResult      Kind = "mic_test_result"
	SessionCreate      Kind = "session_create"
	SessionSwitch      Kind = "session_switch"
	SessionListRequest Kind = "session_list_request"
	SessionList        Kind = "session_list"
	SessionLoaded      Kind = "session_loaded"
	SessionRename      Kind = "session_rename"
	SessionDelete      Kind = "session_delete"
	Shutdown           Kind = "shutdown"
	Heartbeat          Kind = "heartbeat"
	ConfigReload       Kind = "config_reload"
)

var kinds = map[Kind]struct{}{
	UserTextInput: {}, ASRResult: {}, ASRTextDisplay: {}, LLMStreamChunk: {}, LLMStreamEnd: {},
	TTSRequest: {}, TTSDone: {}, Screenshot: {}, ScreenshotMemory: {}, ActionRequest: {},
	ActionResult: {}, ExpressionUpdate: {}, ProactiveMessage: {}, MicStartRecording: {},
	MicStopRecording: {}, MicModeChange: {}, MicTestRequest: {}, MicTestResult: {},
	SessionCreate: {}, SessionSwitch: {}, SessionListRequest: {}, SessionList: {},
	SessionLoaded: {}, SessionRename: {}, SessionDelete: {}, Shutdown: {}, Heartbeat: {},
	ConfigReload: {},
}

// Valid reports whether k belongs to the known set.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// ErrUnknownKind is returned when decoding an envelope whose kind is not in the closed set.
var ErrUnknownKind = errors.New("unknown envelope kind")

// Envelope is the unit of inter-process communication. Treat it as immutable once built.
type Envelope struct {
	ID        string         `json:"id" msgpack:"id"`
	Kind      Kind           `json:"kind" msgpack:"kind"`
	Source    string         `json:"source" msgpack:"source"`
	Target    string         `json:"target" msgpack:"target"`
	Payload   map[string]any `json:"payload" msgpack:"payload"`
	Timestamp float64        `json:"timestamp" msgpack:"timestamp"`
}

// New builds an envelope with a fresh id and the current time. The payload map is copied.
func New(kind Kind, source, target string, payload map[string]any) Envelope {
	p := make(map[string]any, len(payload))
	maps.Copy(p, payload)
	return Envelope{
		ID:        NewID(),
		Kind:      kind,
		Source:    source,
		Target:    target,
		Payload:   p,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// NewID returns a short random token used for correlation only.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Encode 将信封序列化为 JSON。
func Encode(env Envelope) ([]byte, error) {
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return json.Marshal(env)
}

// Decode 解析 JSON 信封，未知类型会被拒绝。
// 载荷以 JSON 形态返回：数字为 float64，切片为 []any，结构体为 map[string]any，
// 因此只有这种形态的载荷能逐字段往返，其余请用 String/Int 读取。
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return env, nil
}

// String returns the payload value at key as a string, or def.
func (e Envelope) String(key, def string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return def
}

// Int returns the payload value at key as an int. JSON and msgpack decode numbers into
// different Go types, so every numeric kind is accepted.
func (e Envelope) Int(key string, def int) int {
	switch v := e.Payload[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Strings returns a list of strings at key, skipping non-string items.
func (e Envelope) Strings(key string) []string {
	switch v := e.Payload[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
