package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, zap.NewNop(), http.StatusBadRequest, "bad")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bad", body["error"])
}

func TestSendSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)
	require.NoError(t, SendSSEEvent(rec, rec, zap.NewNop(), "delta", map[string]string{"text": "hi"}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: delta\ndata: {\"text\":\"hi\"}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestKillProcessGroupAfterExit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd := exec.Command("sh", "-c", "exit 0")
	SetProcessGroup(cmd)
	require.NoError(t, cmd.Run())
	assert.NoError(t, KillProcessGroup(cmd))
	assert.NoError(t, KillProcessGroup(nil))
}
