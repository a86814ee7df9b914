package chat

// Roles used in a conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of a conversation history. TTSPath is filled in after synthesis
// completes and only ever set on assistant turns.
type Turn struct {
	Role    string `json:"role" msgpack:"role"`
	Content string `json:"content" msgpack:"content"`
	TTSPath string `json:"tts_path,omitempty" msgpack:"tts_path,omitempty"`
}

// UserTurn builds a user turn.
func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// AssistantTurn builds an assistant turn with no audio attached yet.
func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// CloneTurns returns an independent copy of turns.
func CloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	return append([]Turn(nil), turns...)
}
