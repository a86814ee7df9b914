package persona

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultSystemPrompt is used when no prompt file is configured or found.
const DefaultSystemPrompt = "At the end of every reply append one emotion tag in the form [emotion:xxx], " +
	"where xxx is one of happy, sad, angry, surprised, neutral, shy, excited."

// Persona captures the companion's identity as presented to the model.
type Persona struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt"`
	// Source is the prompt file the persona was loaded from, empty for the built-in default.
	Source string `json:"source,omitempty"`
}

// Load 读取系统 prompt 文件并把 $name 替换为 AI 名称。文件不存在时回退到默认 prompt。
func Load(path, name string) (Persona, error) {
	if name == "" {
		name = "AI"
	}
	if path == "" {
		return Default(name), nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(name), nil
	}
	if err != nil {
		return Persona{}, fmt.Errorf("read system prompt %s: %w", path, err)
	}

	prompt := strings.TrimSpace(strings.ReplaceAll(string(data), "$name", name))
	if prompt == "" {
		return Default(name), nil
	}
	return Persona{Name: name, SystemPrompt: prompt, Source: path}, nil
}

// Default returns the built-in persona.
func Default(name string) Persona {
	return Persona{Name: name, SystemPrompt: DefaultSystemPrompt}
}
