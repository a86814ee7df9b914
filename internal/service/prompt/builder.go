// Package prompt 负责把人设、记忆与历史组装成模型输入。
package prompt

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/yuexia/internal/model/chat"
	"github.com/zhouzirui/yuexia/internal/model/persona"
)

const (
	proactiveInstruction = "You are a gentle, caring AI companion. Write one short proactive greeting " +
		"(no more than 30 characters) in a natural, warm tone. Do not use square brackets or any markup."
	proactiveRequest = "Please write a proactive message."
	diaryInstruction = "Write a short first-person diary entry about this conversation: what was talked about, " +
		"how you felt and what you thought. Use a natural, warm tone, as if really keeping a diary."
)

// Builder 组装对话 prompt。
type Builder struct {
	persona    persona.Persona
	maxHistory int
}

// NewBuilder 创建 Builder。maxHistory 为进入 prompt 的最近历史条数。
func NewBuilder(p persona.Persona, maxHistory int) *Builder {
	return &Builder{persona: p, maxHistory: maxHistory}
}

// Persona returns the persona the builder was created with.
func (b *Builder) Persona() persona.Persona { return b.persona }

// Build 生成 system prompt + 可选记忆 + 最近 N 条历史 + 当前输入。
func (b *Builder) Build(input string, history []chat.Turn, memories []string) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+3)
	msgs = append(msgs, schema.SystemMessage(b.persona.SystemPrompt))
	if len(memories) > 0 {
		msgs = append(msgs, schema.SystemMessage("Relevant memories:\n"+strings.Join(memories, "\n")))
	}
	msgs = append(msgs, b.historyMessages(history)...)
	msgs = append(msgs, schema.UserMessage(input))
	return msgs
}

func (b *Builder) historyMessages(history []chat.Turn) []*schema.Message {
	if len(history) == 0 || b.maxHistory <= 0 {
		return nil
	}

	start := 0
	if len(history) > b.maxHistory {
		start = len(history) - b.maxHistory
	}

	out := make([]*schema.Message, 0, len(history)-start)
	for _, turn := range history[start:] {
		switch turn.Role {
		case chat.RoleUser:
			out = append(out, schema.UserMessage(turn.Content))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return out
}

// Proactive 返回生成主动消息用的固定 prompt。
func Proactive() []*schema.Message {
	return []*schema.Message{
		schema.SystemMessage(proactiveInstruction),
		schema.UserMessage(proactiveRequest),
	}
}

// Diary 返回把整段对话写成日记的 prompt。
func (b *Builder) Diary(history []chat.Turn) []*schema.Message {
	return []*schema.Message{
		schema.SystemMessage(diaryInstruction),
		schema.UserMessage(b.Transcript(history)),
	}
}

// Transcript 把对话格式化为 "User: …" / "<name>: …" 行。
func (b *Builder) Transcript(history []chat.Turn) string {
	var sb strings.Builder
	sb.WriteString("Here is the conversation we just had:")
	for _, turn := range history {
		sb.WriteByte('\n')
		sb.WriteString(b.speaker(turn.Role))
		sb.WriteString(": ")
		sb.WriteString(turn.Content)
	}
	return sb.String()
}

// MemoryEntry 格式化一轮对话，写入长期记忆。
func (b *Builder) MemoryEntry(user, reply string) string {
	return fmt.Sprintf("User: %s\n%s: %s", user, b.persona.Name, reply)
}

func (b *Builder) speaker(role string) string {
	if role == chat.RoleUser {
		return "User"
	}
	return b.persona.Name
}
