package utils

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// SendSSEEvent 发送带事件类型的SSE消息，返回写入错误以便调用方停止推送。
func SendSSEEvent(w http.ResponseWriter, flusher http.Flusher, log *zap.Logger, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		if log != nil {
			log.Warn("failed to marshal sse event", zap.String("event", event), zap.Error(err))
		}
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
