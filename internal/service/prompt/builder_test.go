package prompt

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/yuexia/internal/model/chat"
	"github.com/zhouzirui/yuexia/internal/model/persona"
)

func TestBuildTrimsHistoryAndAddsMemories(t *testing.T) {
	b := NewBuilder(persona.Persona{Name: "Yue", SystemPrompt: "sys"}, 2)
	history := []chat.Turn{
		chat.UserTurn("one"), chat.AssistantTurn("two"),
		chat.UserTurn("three"), chat.AssistantTurn("four"),
	}

	msgs := b.Build("five", history, []string{"likes tea", "has a cat"})
	require.Len(t, msgs, 5)
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Equal(t, "sys", msgs[0].Content)
	assert.Equal(t, "Relevant memories:\nlikes tea\nhas a cat", msgs[1].Content)
	assert.Equal(t, "three", msgs[2].Content)
	assert.Equal(t, schema.Assistant, msgs[3].Role)
	assert.Equal(t, "four", msgs[3].Content)
	assert.Equal(t, schema.User, msgs[4].Role)
	assert.Equal(t, "five", msgs[4].Content)
}

func TestBuildWithoutMemoriesOrHistory(t *testing.T) {
	b := NewBuilder(persona.Default("AI"), 20)
	msgs := b.Build("hi", nil, nil)
	require.Len(t, msgs, 2)
	assert.Equal(t, persona.DefaultSystemPrompt, msgs[0].Content)
}

func TestTranscriptAndMemoryEntry(t *testing.T) {
	b := NewBuilder(persona.Persona{Name: "Yue"}, 20)
	got := b.Transcript([]chat.Turn{chat.UserTurn("hi"), chat.AssistantTurn("hello")})
	assert.Equal(t, "Here is the conversation we just had:\nUser: hi\nYue: hello", got)
	assert.Equal(t, "User: hi\nYue: hello", b.MemoryEntry("hi", "hello"))

	diary := b.Diary([]chat.Turn{chat.UserTurn("hi")})
	require.Len(t, diary, 2)
	assert.Equal(t, schema.User, diary[1].Role)
	assert.Len(t, Proactive(), 2)
}
