package speech

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Ref 为一段情绪参考音频及其文本。
type Ref struct {
	Path string `yaml:"path"`
	Text string `yaml:"text"`
}

// RefPool 按情绪目录索引参考音频。每个子目录名即情绪标签，目录内可放 meta.yaml
// 列出条目，否则扫描 *.wav 并读取同名的 <stem>Text.txt。
type RefPool struct {
	pool map[string][]Ref
	pick func(n int) int
}

// LoadRefPool 扫描 dir。目录不存在时返回空池。
func LoadRefPool(dir string, log *zap.Logger) *RefPool {
	p := &RefPool{pool: make(map[string][]Ref), pick: rand.IntN}
	if dir == "" {
		return p
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn("emotion reference dir unavailable", zap.String("dir", dir), zap.Error(err))
		return p
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		emoDir := filepath.Join(dir, e.Name())
		refs, err := scanEmotionDir(emoDir)
		if err != nil {
			log.Warn("skip emotion reference dir", zap.String("dir", emoDir), zap.Error(err))
			continue
		}
		if len(refs) > 0 {
			p.pool[e.Name()] = refs
		}
	}
	log.Info("emotion reference pool loaded", zap.Int("emotions", len(p.pool)))
	return p
}

func scanEmotionDir(dir string) ([]Ref, error) {
	meta, err := os.ReadFile(filepath.Join(dir, "meta.yaml"))
	if err == nil {
		var refs []Ref
		if err := yaml.Unmarshal(meta, &refs); err != nil {
			return nil, err
		}
		return refs, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	wavs, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(wavs))
	for _, wav := range wavs {
		abs, err := filepath.Abs(wav)
		if err != nil {
			abs = wav
		}
		ref := Ref{Path: abs}
		stem := strings.TrimSuffix(wav, filepath.Ext(wav))
		if text, err := os.ReadFile(stem + "Text.txt"); err == nil {
			ref.Text = strings.TrimSpace(string(text))
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Get 返回情绪对应的参考音频，缺失时依次回退 neutral 与 default。
func (p *RefPool) Get(emotion string) (Ref, bool) {
	if p == nil {
		return Ref{}, false
	}
	for _, key := range []string{emotion, "neutral", "default"} {
		if refs := p.pool[key]; len(refs) > 0 {
			return refs[p.pick(len(refs))], true
		}
	}
	return Ref{}, false
}

// RefEntry 是参考池中的一项，供控制接口列出。
type RefEntry struct {
	Emotion string `json:"emotion"`
	File    string `json:"file"`
	Text    string `json:"text,omitempty"`
}

// List 按情绪、文件名排序返回池中的全部参考音频。
func (p *RefPool) List() []RefEntry {
	if p == nil {
		return nil
	}
	out := make([]RefEntry, 0, len(p.pool))
	for emotion, refs := range p.pool {
		for _, ref := range refs {
			out = append(out, RefEntry{Emotion: emotion, File: filepath.Base(ref.Path), Text: ref.Text})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Emotion != out[j].Emotion {
			return out[i].Emotion < out[j].Emotion
		}
		return out[i].File < out[j].File
	})
	return out
}
