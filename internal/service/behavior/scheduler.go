// Package behavior 调度主动消息。
package behavior

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/config"
)

const (
	llmTimeout    = 30 * time.Second
	maxLLMRunes   = 100
	idleCheckSpec = "@every 1m"
)

// Templates 为按类别划分的内置主动消息。
var Templates = map[string][]string{
	"greeting": {
		"Good morning! Let's make today a great one~",
		"Good afternoon, take a little break~",
		"Good evening, you worked hard today~",
		"Hey, long time no see~",
		"Hi there, is now a good time to chat?",
	},
	"care": {
		"How has your day been?",
		"Remember to drink some water, don't overdo it~",
		"The weather keeps changing, stay warm~",
		"Don't wear yourself out, take a rest~",
		"Have you eaten yet? Don't skip meals~",
	},
	"share": {
		"I just saw a beautiful cloud, wish I could show you~",
		"I learned something interesting today and want to share it~",
		"Something fun just came to mind, tell you when you're free~",
		"Found a lovely song, I'll recommend it next time~",
		"The sky is especially pretty today~",
	},
	"miss_you": {
		"Thinking of you~",
		"Suddenly really want to chat with you~",
		"What are you up to?",
		"I wonder what you're doing right now~",
		"A little bored, want to talk with you~",
	},
}

// categoryOrder 固定模板池的拼接顺序。
var categoryOrder = []string{"greeting", "care", "share", "miss_you"}

var markupPattern = regexp.MustCompile(`\[[^\]]*\]`)

// Deps 为调度器依赖的外部能力。
type Deps struct {
	// Inferring 报告是否有对话正在生成。
	Inferring func() bool
	// Generate 通过模型生成一条主动消息；为 nil 时只使用模板。
	Generate func(ctx context.Context) (string, error)
	// Push 把消息推送给前端。
	Push func(ctx context.Context, text string) error
}

// Scheduler 按触发器发送主动消息，遵守安静时段与每日上限。
type Scheduler struct {
	deps Deps
	log  *zap.Logger
	now  func() time.Time
	pick func(n int) int

	mu            sync.Mutex
	cfg           config.BehaviorConfig
	dailyCount    int
	lastCountDate string
	lastUserInput time.Time
	cron          *cron.Cron
	cancel        context.CancelFunc
}

// New 创建调度器，不会自动启动。
func New(cfg config.BehaviorConfig, deps Deps, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		deps: deps,
		log:  log,
		now:  time.Now,
		pick: rand.IntN,
		cfg:  cfg,
	}
	s.lastUserInput = s.now()
	s.lastCountDate = dateOf(s.lastUserInput)
	return s
}

// Running 报告调度器是否在运行。
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// Start 按配置的触发器开始调度。重复调用无效果。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New()

	var err error
	switch s.cfg.TriggerType {
	case "cron":
		if strings.TrimSpace(s.cfg.CronExpression) == "" {
			err = errors.New("behavior.cron_expression is empty")
			break
		}
		_, err = c.AddFunc(s.cfg.CronExpression, func() { s.Tick(ctx) })
	case "idle":
		_, err = c.AddFunc(idleCheckSpec, func() { s.checkIdle(ctx) })
	default:
		minutes := s.cfg.IntervalMinutes
		if minutes <= 0 {
			minutes = 30
		}
		_, err = c.AddFunc(fmt.Sprintf("@every %dm", minutes), func() { s.Tick(ctx) })
	}
	if err != nil {
		cancel()
		return fmt.Errorf("schedule %s trigger: %w", s.cfg.TriggerType, err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.log.Info("behavior scheduler started", zap.String("trigger", s.cfg.TriggerType))
	return nil
}

// Stop 停止调度并等待正在执行的任务结束。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	<-c.Stop().Done()
	s.log.Info("behavior scheduler stopped")
}

// Reconfigure 应用新配置；正在运行时按新触发器重启。
func (s *Scheduler) Reconfigure(ctx context.Context, cfg config.BehaviorConfig) error {
	running := s.Running()
	s.Stop()

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	if running && cfg.Enabled {
		return s.Start(ctx)
	}
	return nil
}

// NotifyUserInput 重置无输入计时。
func (s *Scheduler) NotifyUserInput() {
	s.mu.Lock()
	s.lastUserInput = s.now()
	s.mu.Unlock()
}

func (s *Scheduler) checkIdle(ctx context.Context) {
	s.mu.Lock()
	timeout := time.Duration(s.cfg.IdleTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	idle := s.now().Sub(s.lastUserInput) >= timeout
	s.mu.Unlock()
	if !idle {
		return
	}

	s.Tick(ctx)
	s.NotifyUserInput()
}

// Tick 检查守卫条件，满足时生成并推送一条消息。返回推送的文本。
func (s *Scheduler) Tick(ctx context.Context) (string, bool) {
	if s.inferring() {
		s.log.Debug("behavior tick skipped: inferring")
		return "", false
	}
	if s.inQuietHours() {
		s.log.Debug("behavior tick skipped: quiet hours")
		return "", false
	}
	if !s.underDailyLimit() {
		s.log.Debug("behavior tick skipped: daily limit reached")
		return "", false
	}

	text := s.message(ctx)
	if text == "" {
		return "", false
	}

	if s.deps.Push != nil {
		if err := s.deps.Push(ctx, text); err != nil {
			s.log.Warn("push proactive message failed", zap.Error(err))
			return "", false
		}
	}

	s.mu.Lock()
	s.dailyCount++
	s.mu.Unlock()

	s.log.Info("proactive message", zap.String("text", text))
	return text, true
}

func (s *Scheduler) inferring() bool {
	return s.deps.Inferring != nil && s.deps.Inferring()
}

func (s *Scheduler) inQuietHours() bool {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.QuietHoursEnabled {
		return false
	}
	return InQuietHours(s.now(), cfg.QuietHoursStart, cfg.QuietHoursEnd)
}

// InQuietHours 判断 now 是否落在 [start, end] 区间内，区间可跨越午夜。格式错误时返回 false。
func InQuietHours(now time.Time, start, end string) bool {
	startSec, err := parseClock(start)
	if err != nil {
		return false
	}
	endSec, err := parseClock(end)
	if err != nil {
		return false
	}
	cur := now.Hour()*3600 + now.Minute()*60 + now.Second()
	if startSec <= endSec {
		return startSec <= cur && cur <= endSec
	}
	return cur >= startSec || cur <= endSec
}

func parseClock(v string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", v)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return hour*3600 + minute*60, nil
}

func (s *Scheduler) underDailyLimit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := dateOf(s.now())
	if today != s.lastCountDate {
		s.dailyCount = 0
		s.lastCountDate = today
	}
	limit := s.cfg.MaxDailyMessages
	if limit <= 0 {
		limit = 50
	}
	return s.dailyCount < limit
}

// DailyCount 返回今天已发送的数量。
func (s *Scheduler) DailyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyCount
}

func (s *Scheduler) message(ctx context.Context) string {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.LLMGenerationEnabled && s.deps.Generate != nil && !s.inferring() {
		genCtx, cancel := context.WithTimeout(ctx, llmTimeout)
		text, err := s.deps.Generate(genCtx)
		cancel()
		if err != nil {
			s.log.Warn("llm proactive message failed, falling back to templates", zap.Error(err))
		} else if text = sanitize(text); text != "" {
			return text
		}
	}

	if !cfg.MessageTemplatesEnabled {
		return ""
	}
	pool := templatePool(cfg.Categories)
	if len(pool) == 0 {
		return ""
	}
	return pool[s.pick(len(pool))]
}

func templatePool(categories []string) []string {
	if len(categories) == 0 {
		categories = categoryOrder
	}
	var pool []string
	for _, cat := range categories {
		pool = append(pool, Templates[cat]...)
	}
	return pool
}

// sanitize 去掉方括号标记并截断到 100 个字符。
func sanitize(text string) string {
	text = strings.TrimSpace(markupPattern.ReplaceAllString(text, ""))
	if utf8.RuneCountInString(text) > maxLLMRunes {
		text = string([]rune(text)[:maxLLMRunes])
	}
	return text
}

func dateOf(t time.Time) string {
	return t.Format(time.DateOnly)
}
