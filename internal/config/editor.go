package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/yuexia/pkg/utils"
)

// EditableKeys 是允许通过控制接口修改的配置项，以点分路径表示。
// 监听地址、子进程命令与浏览器路径不在其中。
var EditableKeys = map[string]struct{}{
	"ai_name":   {},
	"log.level": {},

	"brain.engine":               {},
	"brain.api_url":              {},
	"brain.api_key":              {},
	"brain.api_model":            {},
	"brain.temperature":          {},
	"brain.top_p":                {},
	"brain.max_tokens":           {},
	"brain.frequency_penalty":    {},
	"brain.presence_penalty":     {},
	"brain.system_prompt_path":   {},
	"brain.max_history_messages": {},
	"brain.infer_emotion":        {},
	"brain.turn_timeout_seconds": {},
	"brain.ark.model":            {},
	"brain.local.model_path":     {},
	"brain.local.port":           {},

	"network.request_timeout": {},
	"network.connect_timeout": {},
	"network.retry_count":     {},
	"network.proxy_url":       {},

	"session.dir":    {},
	"memory.enabled": {},
	"memory.dir":     {},
	"memory.results": {},

	"diary.enabled":    {},
	"diary.output_dir": {},

	"behavior.enabled":                   {},
	"behavior.trigger_type":              {},
	"behavior.interval_minutes":          {},
	"behavior.cron_expression":           {},
	"behavior.idle_timeout_minutes":      {},
	"behavior.quiet_hours_enabled":       {},
	"behavior.quiet_hours_start":         {},
	"behavior.quiet_hours_end":           {},
	"behavior.max_daily_messages":        {},
	"behavior.llm_generation_enabled":    {},
	"behavior.message_templates_enabled": {},
	"behavior.categories":                {},

	"perception.tts.enabled":          {},
	"perception.tts.provider":         {},
	"perception.tts.api_url":          {},
	"perception.tts.output_dir":       {},
	"perception.tts.timeout":          {},
	"perception.tts.speed":            {},
	"perception.tts.volume":           {},
	"perception.tts.voice":            {},
	"perception.tts.language":         {},
	"perception.tts.emotion_refs_dir": {},

	"action.browser.enabled":  {},
	"action.browser.headless": {},
	"action.browser.timeout":  {},
}

var sensitiveKeys = map[string]struct{}{
	"api_key":      {},
	"access_key":   {},
	"secret_key":   {},
	"access_token": {},
}

// ErrInvalidUpdate 表示合并后的配置无法解析或未通过校验。
var ErrInvalidUpdate = errors.New("invalid configuration update")

// ForbiddenKeysError 列出请求中不允许修改的配置项。
type ForbiddenKeysError struct {
	Keys []string
}

func (e *ForbiddenKeysError) Error() string {
	return "forbidden configuration keys: " + strings.Join(e.Keys, ", ")
}

// Masked 返回配置的通用 map 形式，密钥只保留前三个字符。
func Masked(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	maskSensitive(out)
	return out, nil
}

func maskSensitive(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			maskSensitive(val)
		case string:
			if _, ok := sensitiveKeys[k]; ok && val != "" {
				if len(val) > 3 {
					m[k] = val[:3] + "***"
				} else {
					m[k] = "***"
				}
			}
		}
	}
}

// SortedEditableKeys 返回排序后的可修改配置项。
func SortedEditableKeys() []string {
	keys := make([]string, 0, len(EditableKeys))
	for k := range EditableKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Update 把 patch 深度合并进 path 处的 YAML 文件并原子写回。
// patch 中出现不可修改的配置项时返回 *ForbiddenKeysError，合并结果无效时返回 ErrInvalidUpdate，
// 两种情况下文件都不会被改动。
func Update(path string, patch map[string]any) error {
	if path == "" {
		path = DefaultPath
	}
	var forbidden []string
	for _, key := range flattenKeys(patch, "") {
		if _, ok := EditableKeys[key]; !ok {
			forbidden = append(forbidden, key)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return &ForbiddenKeysError{Keys: forbidden}
	}

	existing := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if existing == nil {
			existing = map[string]any{}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("read %s: %w", path, err)
	}

	merged := deepMerge(existing, patch)
	out, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	check := Default()
	if err := yaml.Unmarshal(out, check); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if err := check.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(out))
		return err
	})
}

// flattenKeys 把嵌套 map 展开为点分路径，如 {"brain": {"max_tokens": 1}} -> brain.max_tokens。
func flattenKeys(m map[string]any, prefix string) []string {
	var keys []string
	for k, v := range m {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			keys = append(keys, flattenKeys(nested, full)...)
			continue
		}
		keys = append(keys, full)
	}
	return keys
}

func deepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bv, ok := out[k].(map[string]any); ok {
			if ov, ok := v.(map[string]any); ok {
				out[k] = deepMerge(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}
