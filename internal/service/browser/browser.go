// Package browser drives a Chrome instance for the action worker.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
)

var (
	// ErrDisabled is returned when action.browser.enabled is false.
	ErrDisabled = errors.New("browser disabled")
	// ErrInvalidURL is returned for anything but absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid url")
)

// Result 为一次打开页面的结果。
type Result struct {
	Title string
	Path  string
}

// Browser keeps one page open and reuses it for every navigation.
type Browser struct {
	cfg config.BrowserConfig
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// New creates a browser that launches Chrome on first use.
func New(cfg config.BrowserConfig, log *zap.Logger) *Browser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Browser{cfg: cfg, log: log.Named("browser"), now: time.Now}
}

// Open navigates to rawURL, waits for the page to load and saves a screenshot.
func (b *Browser) Open(ctx context.Context, rawURL string) (*Result, error) {
	if !b.cfg.Enabled {
		return nil, ErrDisabled
	}
	target, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	page, err := b.ensurePageLocked()
	if err != nil {
		return nil, err
	}

	p := page.Context(ctx).Timeout(b.timeout())
	if err := p.Navigate(target); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", target, err)
	}
	if err := p.WaitLoad(); err != nil {
		b.log.Warn("page did not finish loading", zap.String("url", target), zap.Error(err))
	}

	title := target
	if info, err := p.Info(); err == nil && strings.TrimSpace(info.Title) != "" {
		title = info.Title
	}

	shot, err := p.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	path, err := b.save(shot)
	if err != nil {
		return nil, err
	}

	b.log.Info("page opened", zap.String("url", target), zap.String("title", title), zap.String("path", path))
	return &Result{Title: title, Path: path}, nil
}

// Close shuts the browser down and kills a Chrome process we launched.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
		b.page = nil
	}
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
		b.launcher = nil
	}
	return err
}

func (b *Browser) ensurePageLocked() (*rod.Page, error) {
	if b.page != nil {
		return b.page, nil
	}

	controlURL := b.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(b.cfg.Headless)
		if b.cfg.Bin != "" {
			l = l.Bin(b.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		b.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}

	b.browser = browser
	b.page = page
	b.log.Info("browser started", zap.Bool("headless", b.cfg.Headless), zap.Bool("attached", b.cfg.ControlURL != ""))
	return page, nil
}

func (b *Browser) save(png []byte) (string, error) {
	dir := b.cfg.ScreenshotDir
	if dir == "" {
		dir = "data/screenshots"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("browser_%s.png", b.now().Format("20060102_150405.000")))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

func (b *Browser) timeout() time.Duration {
	if b.cfg.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.cfg.TimeoutSeconds) * time.Second
}

// ValidateURL accepts absolute http and https URLs; a bare host gets https.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}
