package speech

import "strings"

// 对话情绪到火山引擎情感音色参数的映射，没有对应项的情绪不启用情感合成。
var volcEmotionLabels = map[string]string{
	"happy":     "happy",
	"sad":       "sad",
	"angry":     "angry",
	"surprised": "surprised",
	"excited":   "excited",
	"shy":       "tender",
}

var emotionVoiceWhitelist = map[string]struct{}{
	"zh_male_junlangnanyou_emo_v2_mars_bigtts":    {},
	"zh_male_yourougongzi_emo_v2_mars_bigtts":     {},
	"zh_female_gaolengyujie_emo_v2_mars_bigtts":   {},
	"zh_female_tianxinxiaomei_emo_v2_mars_bigtts": {},
	"zh_female_linjuayi_emo_v2_mars_bigtts":       {},
	"en_female_candice_emo_v2_mars_bigtts":        {},
	"en_female_skye_emo_v2_mars_bigtts":           {},
}

// defaultEmotionScale 为情感强度，取值范围 1-5。
const defaultEmotionScale float32 = 3

// emotionParams 计算 TTS 情感参数；中性情绪或不支持情感的音色返回 false。
func emotionParams(voice, emotion string) (label string, scale float32, ok bool) {
	mapped, found := volcEmotionLabels[strings.ToLower(strings.TrimSpace(emotion))]
	if !found || !supportsEmotion(voice) {
		return "", 0, false
	}
	return mapped, defaultEmotionScale, true
}

func supportsEmotion(voice string) bool {
	normalized := strings.ToLower(strings.TrimSpace(voice))
	if normalized == "" {
		return false
	}
	if _, ok := emotionVoiceWhitelist[normalized]; ok {
		return true
	}
	return strings.Contains(normalized, "_emo_") || strings.HasSuffix(normalized, "_emo")
}

// resolveResourceCandidates 返回音色可能对应的资源 ID，按优先级排列。
func resolveResourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if voice == "" {
		return []string{defaultResource, seedResource}
	}
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

func isResourceMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}
