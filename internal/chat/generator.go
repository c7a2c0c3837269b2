package chat

import (
	"hash/fnv"
	"strings"
	"time"
	"unicode"

	"github.com/paperarena/arena/internal/decision"
	"github.com/paperarena/arena/internal/registry"
)

// Generation tones.
const (
	ToneCalm      = "calm"
	ToneFocused   = "focused"
	ToneEnergetic = "energetic"
	ToneCautious  = "cautious"
	ToneNeutral   = "neutral"
)

// Generation sources.
const (
	GenLLM      = "llm"
	GenFallback = "fallback"
)

const dedupWindow = 8

// chatTZ anchors the day-part filter. Texts are filtered against
// Asia/Shanghai regardless of the room's market; US rooms inherit the
// same clock.
var chatTZ = mustLoadLocation("Asia/Shanghai")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// Day parts for the time-of-day filter.
const (
	dayPartMorning   = "morning"
	dayPartMidday    = "midday"
	dayPartAfternoon = "afternoon"
	dayPartEvening   = "evening"
	dayPartNight     = "night"
)

func dayPart(now time.Time) string {
	h := now.In(chatTZ).Hour()
	switch {
	case h >= 6 && h < 11:
		return dayPartMorning
	case h >= 11 && h < 13:
		return dayPartMidday
	case h >= 13 && h < 18:
		return dayPartAfternoon
	case h >= 18 && h < 23:
		return dayPartEvening
	default:
		return dayPartNight
	}
}

// timeMarkers maps day-part-bound phrases to the only day parts where
// they read naturally.
var timeMarkers = map[string][]string{
	"早上好": {dayPartMorning},
	"早盘":  {dayPartMorning, dayPartMidday},
	"午饭":  {dayPartMidday},
	"午休":  {dayPartMidday},
	"下午":  {dayPartAfternoon},
	"尾盘":  {dayPartAfternoon},
	"晚上好": {dayPartEvening},
	"晚安":  {dayPartNight},
	"收盘了": {dayPartAfternoon, dayPartEvening},
}

// timeTextAllowed rejects texts whose day-part markers contradict the
// current Asia/Shanghai clock.
func timeTextAllowed(text string, now time.Time) bool {
	part := dayPart(now)
	for marker, parts := range timeMarkers {
		if !strings.Contains(text, marker) {
			continue
		}
		ok := false
		for _, p := range parts {
			if p == part {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// timeCasualFallback is the replacement when a candidate text fails the
// day-part filter.
func timeCasualFallback(now time.Time, salt uint32) string {
	pool := casualByDayPart[dayPart(now)]
	return pool[int(salt)%len(pool)]
}

var casualByDayPart = map[string][]string{
	dayPartMorning: {
		"早盘先看量能，别急着追。",
		"早上好，今天先观察前半小时再说。",
		"开盘波动大，我先按兵不动。",
	},
	dayPartMidday: {
		"午间缩量，正常现象，耐心等。",
		"中午消息面安静，维持原计划。",
	},
	dayPartAfternoon: {
		"下午看能不能放量突破。",
		"尾盘前再确认一次仓位。",
		"午后节奏慢下来了，继续跟踪。",
	},
	dayPartEvening: {
		"收盘了，复盘今天的操作。",
		"晚上好，整理一下明天的关注名单。",
	},
	dayPartNight: {
		"夜深了，等明天的开盘再聊。",
		"先休息，明早看隔夜消息。",
	},
}

// proactiveTemplates feed fallback generation, keyed by tone.
var proactiveTemplates = map[string][]string{
	ToneCalm: {
		"盘面波澜不惊，我的持仓暂时不动。",
		"目前走势在预期之内，继续按计划执行。",
		"没有新信号，保持耐心。",
	},
	ToneFocused: {
		"正在盯%s的量价配合，突破前不动手。",
		"%s的关键位快到了，等确认。",
		"技术面上%s值得重点观察。",
	},
	ToneEnergetic: {
		"%s今天有点强势，资金在进场。",
		"盘口很活跃，机会可能在%s上。",
		"动能指标走好，%s拉升概率不小。",
	},
	ToneCautious: {
		"波动加大，我先控制仓位。",
		"消息面不明朗，宁可错过不可做错。",
		"风险优先，今天以防守为主。",
	},
	ToneNeutral: {
		"继续跟踪自选池，有变化再说。",
		"数据正常更新中，策略不变。",
	},
}

// toneFor derives the generation tone from the latest action and the
// trader's risk profile.
func toneFor(action decision.Action, riskProfile string) string {
	if riskProfile == registry.RiskConservative {
		return ToneCautious
	}
	switch action {
	case decision.ActionBuy:
		return ToneEnergetic
	case decision.ActionSell:
		return ToneFocused
	case decision.ActionHold:
		if riskProfile == registry.RiskAggressive {
			return ToneFocused
		}
		return ToneCalm
	default:
		return ToneNeutral
	}
}

// fallbackProactive renders a deterministic template for
// (action, tone, risk profile, salt).
func fallbackProactive(action decision.Action, riskProfile, symbol string, salt uint32) (text, tone string) {
	tone = toneFor(action, riskProfile)
	pool := proactiveTemplates[tone]
	text = pool[int(salt)%len(pool)]
	if strings.Contains(text, "%s") {
		if symbol == "" {
			symbol = "自选股"
		}
		text = strings.ReplaceAll(text, "%s", symbol)
	}
	return text, tone
}

func saltOf(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return h.Sum32()
}

// openerStem is the text's first clause, used for consecutive-opener
// deduplication.
func openerStem(text string) string {
	cut := strings.IndexFunc(text, func(r rune) bool {
		switch r {
		case '，', '。', ',', '.', '!', '！', '?', '？', '\n':
			return true
		}
		return false
	})
	stem := text
	if cut >= 0 {
		stem = text[:cut]
	}
	const maxStem = 24
	runes := []rune(stem)
	if len(runes) > maxStem {
		stem = string(runes[:maxStem])
	}
	return strings.TrimSpace(stem)
}

// dedupKey normalizes a text for repeat detection: lowercase, digits
// collapsed, whitespace and punctuation stripped.
func dedupKey(text string) string {
	var b strings.Builder
	lastDigit := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsDigit(r):
			if !lastDigit {
				b.WriteByte('#')
			}
			lastDigit = true
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			lastDigit = false
		default:
			b.WriteRune(r)
			lastDigit = false
		}
	}
	return b.String()
}

// dedupState tracks a room's recent opener stems and normalized keys.
type dedupState struct {
	stems []string
	keys  []string
}

func (d *dedupState) stemSeen(stem string) bool {
	for _, s := range d.stems {
		if s == stem {
			return true
		}
	}
	return false
}

func (d *dedupState) keySeen(key string) bool {
	for _, k := range d.keys {
		if k == key {
			return true
		}
	}
	return false
}

func (d *dedupState) record(text string) {
	d.stems = append(d.stems, openerStem(text))
	if len(d.stems) > dedupWindow {
		d.stems = d.stems[len(d.stems)-dedupWindow:]
	}
	d.keys = append(d.keys, dedupKey(text))
	if len(d.keys) > dedupWindow {
		d.keys = d.keys[len(d.keys)-dedupWindow:]
	}
}
