package engine

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// AttachImages 返回 msgs 的副本，最后一条用户消息改为「图片 + 文本」的多模态内容。
// 本地文件被编码为 data URL。
func AttachImages(msgs []*schema.Message, images []string) ([]*schema.Message, error) {
	out := make([]*schema.Message, len(msgs))
	copy(out, msgs)
	if len(images) == 0 {
		return out, nil
	}

	idx := -1
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != nil && out[i].Role == schema.User {
			idx = i
			break
		}
	}
	if idx < 0 {
		return out, nil
	}

	parts := make([]schema.ChatMessagePart, 0, len(images)+1)
	for _, ref := range images {
		url, err := imageURL(ref)
		if err != nil {
			return nil, err
		}
		parts = append(parts, schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{URL: url},
		})
	}
	parts = append(parts, schema.ChatMessagePart{
		Type: schema.ChatMessagePartTypeText,
		Text: out[idx].Content,
	})

	last := *out[idx]
	last.MultiContent = parts
	out[idx] = &last
	return out, nil
}

func imageURL(ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "data:") {
		return ref, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("read image %s: %w", ref, err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(ref)))
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
