package emotion

import (
	"math"
	"regexp"
	"strings"
)

// Label 表示前端可以展示的表情标签。
type Label string

const (
	Neutral   Label = "neutral"
	Happy     Label = "happy"
	Sad       Label = "sad"
	Angry     Label = "angry"
	Surprised Label = "surprised"
	Shy       Label = "shy"
	Excited   Label = "excited"
)

// Decision 给出情绪识别结果以及推荐情绪强度。
type Decision struct {
	Emotion Label
	Scale   float32
	Score   int
}

// labelOrder 决定得分相同时的优先级。
var labelOrder = []Label{Happy, Sad, Angry, Surprised, Shy, Excited}

var keywordBuckets = map[Label][]string{
	Happy: {
		"开心", "高兴", "喜悦", "快乐", "太好了", "太棒了", "真棒", "哈哈", "lol", "amazing",
		"awesome", "great", "thanks", "thank you", "love", "喜欢", "满意", "好耶", "笑死",
	},
	Sad: {
		"难过", "伤心", "失落", "沮丧", "悲伤", "哭", "痛苦", "寂寞", "孤单", "失望", "心碎", "低落", "委屈",
		"unhappy", "sad", "cry", "depressed", "upset", "hurt", "sorrow", "lonely", "miss you",
	},
	Angry: {
		"生气", "愤怒", "火大", "气死", "烦死", "受够了", "怒火", "气愤", "抓狂", "气炸",
		"angry", "furious", "rage", "mad", "annoyed", "pissed",
	},
	Surprised: {
		"惊讶", "居然", "竟然", "真的吗", "没想到", "不会吧", "天哪", "什么？",
		"really?", "no way", "surprised", "unexpected", "omg",
	},
	Shy: {
		"害羞", "不好意思", "脸红", "羞", "人家", "讨厌啦",
		"shy", "blush", "embarrassed",
	},
	Excited: {
		"期待", "激动", "太酷了", "震撼", "惊喜", "哇塞", "哇哦", "兴奋", "热血", "给力", "惊艳",
		"can't wait", "superb", "unbelievable", "hype", "wow",
	},
}

var punctuationBoost = map[Label]int{
	Happy:   2,
	Excited: 3,
}

var tagPattern = regexp.MustCompile(`\[emotion:(\w+)\]`)

// ParseTag 提取回复中的第一个 [emotion:xxx] 标签并移除全部标签。
// 没有标签时返回 Neutral 与 false。
func ParseTag(reply string) (string, Label, bool) {
	m := tagPattern.FindStringSubmatch(reply)
	if m == nil {
		return reply, Neutral, false
	}
	clean := strings.TrimSpace(tagPattern.ReplaceAllString(reply, ""))
	return clean, Label(m[1]), true
}

// Analyze 根据用户话语与AI回复推断应展示的表情。
func Analyze(userUtterance, aiUtterance string) Decision {
	userScore := scoreText(userUtterance)
	aiScore := scoreText(aiUtterance)

	finalScore := aiScore
	// AI 回复缺少明显情感时，根据用户情绪进行映射。
	if finalScore.Score == 0 && userScore.Score > 0 {
		finalScore = coerceEmotionFromUser(userScore)
	}

	if finalScore.Score == 0 {
		return Decision{Emotion: Neutral, Scale: 3, Score: 0}
	}

	scale := 2 + float32(finalScore.Score)/4
	if finalScore.Emotion == Excited {
		scale += 1
	}
	if finalScore.Emotion == Shy {
		scale = float32(math.Min(3.5, float64(scale)))
	}
	if scale > 5 {
		scale = 5
	}

	return Decision{Emotion: finalScore.Emotion, Scale: scale, Score: finalScore.Score}
}

func scoreText(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Emotion: Neutral}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, strings.ToLower(word)) {
				scores[label] += 3
			}
		}
	}

	exclamations := strings.Count(text, "!") + strings.Count(text, "！")
	if exclamations > 0 {
		scores[Excited] += exclamations * punctuationBoost[Excited]
		if exclamations == 1 {
			scores[Happy] += punctuationBoost[Happy]
		}
	}

	bestLabel := Neutral
	bestScore := 0
	for _, label := range labelOrder {
		if s := scores[label]; s > bestScore {
			bestScore = s
			bestLabel = label
		}
	}
	return Decision{Emotion: bestLabel, Score: bestScore}
}

func coerceEmotionFromUser(user Decision) Decision {
	switch user.Emotion {
	case Angry:
		// 用户生气时不以怒回应。
		return Decision{Emotion: Sad, Score: user.Score}
	default:
		return user
	}
}
