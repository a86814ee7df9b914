package browser

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
)

func TestValidateURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://example.com/a?b=1", want: "https://example.com/a?b=1"},
		{in: "  example.com ", want: "https://example.com"},
		{in: "http://localhost:8080", want: "http://localhost:8080"},
		{in: "", wantErr: true},
		{in: "file:///etc/passwd", wantErr: true},
		{in: "javascript://alert(1)", wantErr: true},
		{in: "https://", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ValidateURL(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidURL, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestOpenWhenDisabled(t *testing.T) {
	b := New(config.BrowserConfig{Enabled: false}, zap.NewNop())
	_, err := b.Open(context.Background(), "https://example.com")
	assert.ErrorIs(t, err, ErrDisabled)
	assert.NoError(t, b.Close())
}

func TestOpenRejectsBadURLBeforeLaunch(t *testing.T) {
	b := New(config.BrowserConfig{Enabled: true}, zap.NewNop())
	_, err := b.Open(context.Background(), "ftp://example.com")
	assert.ErrorIs(t, err, ErrInvalidURL)
	assert.Nil(t, b.browser, "no browser should be launched for an invalid url")
}

func TestSaveNamesScreenshotByTime(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shots")
	b := New(config.BrowserConfig{ScreenshotDir: dir}, zap.NewNop())
	b.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 5, 250e6, time.Local) }

	path, err := b.save([]byte("png"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "browser_20260301_093005.250.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
}
