package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/paperarena/arena/internal/decision"
	"github.com/paperarena/arena/internal/registry"
)

func cstClock(hour int) time.Time {
	return time.Date(2026, 3, 2, hour, 0, 0, 0, time.FixedZone("CST", 8*3600))
}

func TestToneFor(t *testing.T) {
	assert.Equal(t, ToneCautious, toneFor(decision.ActionBuy, registry.RiskConservative))
	assert.Equal(t, ToneEnergetic, toneFor(decision.ActionBuy, registry.RiskBalanced))
	assert.Equal(t, ToneFocused, toneFor(decision.ActionSell, registry.RiskBalanced))
	assert.Equal(t, ToneFocused, toneFor(decision.ActionHold, registry.RiskAggressive))
	assert.Equal(t, ToneCalm, toneFor(decision.ActionHold, registry.RiskBalanced))
	assert.Equal(t, ToneNeutral, toneFor(decision.Action("unknown"), registry.RiskBalanced))
}

func TestFallbackProactiveDeterministic(t *testing.T) {
	a, toneA := fallbackProactive(decision.ActionBuy, registry.RiskBalanced, "600519.SH", 42)
	b, toneB := fallbackProactive(decision.ActionBuy, registry.RiskBalanced, "600519.SH", 42)
	assert.Equal(t, a, b)
	assert.Equal(t, toneA, toneB)
	assert.Equal(t, ToneEnergetic, toneA)
	assert.NotContains(t, a, "%s")
	assert.Contains(t, a, "600519.SH")

	// Empty symbol substitutes the generic pool name.
	c, _ := fallbackProactive(decision.ActionSell, registry.RiskBalanced, "", 0)
	assert.NotContains(t, c, "%s")
}

func TestTimeTextAllowed(t *testing.T) {
	assert.True(t, timeTextAllowed("早上好，先看量能。", cstClock(9)))
	assert.False(t, timeTextAllowed("早上好，先看量能。", cstClock(20)))
	assert.False(t, timeTextAllowed("晚安，明天见。", cstClock(9)))
	assert.True(t, timeTextAllowed("晚安，明天见。", cstClock(23)))
	// Text with no day-part markers always passes.
	assert.True(t, timeTextAllowed("继续跟踪自选池。", cstClock(3)))
}

func TestTimeCasualFallbackMatchesDayPart(t *testing.T) {
	text := timeCasualFallback(cstClock(9), 1)
	assert.Contains(t, casualByDayPart[dayPartMorning], text)
	text = timeCasualFallback(cstClock(21), 5)
	assert.Contains(t, casualByDayPart[dayPartEvening], text)
}

func TestOpenerStem(t *testing.T) {
	assert.Equal(t, "早盘先看量能", openerStem("早盘先看量能，别急着追。"))
	assert.Equal(t, "hold steady", openerStem("hold steady. then act"))
	// Unpunctuated text caps at the stem limit.
	long := "这是一段完全没有标点的很长很长很长很长很长很长很长很长很长的句子"
	assert.Len(t, []rune(openerStem(long)), 24)
}

func TestDedupKeyNormalizes(t *testing.T) {
	assert.Equal(t, "hello#world", dedupKey("Hello 123  world!"))
	// Different digits collapse to the same key.
	assert.Equal(t, dedupKey("涨了3.5%"), dedupKey("涨了12.8%"))
	assert.NotEqual(t, dedupKey("继续观察"), dedupKey("保持耐心"))
}

func TestDedupStateWindow(t *testing.T) {
	var st dedupState
	st.record("盘面波澜不惊，我的持仓暂时不动。")
	assert.True(t, st.stemSeen(openerStem("盘面波澜不惊，换个说法。")))
	assert.True(t, st.keySeen(dedupKey("盘面波澜不惊，我的持仓暂时不动。")))
	assert.False(t, st.keySeen(dedupKey("完全不同的一句话")))

	// The window only remembers the last dedupWindow entries.
	for i := 0; i < dedupWindow; i++ {
		st.record(string(rune('a'+i)) + "完全不同的话")
	}
	assert.False(t, st.stemSeen("盘面波澜不惊"))
}

func TestDayPart(t *testing.T) {
	assert.Equal(t, dayPartMorning, dayPart(cstClock(8)))
	assert.Equal(t, dayPartMidday, dayPart(cstClock(12)))
	assert.Equal(t, dayPartAfternoon, dayPart(cstClock(15)))
	assert.Equal(t, dayPartEvening, dayPart(cstClock(20)))
	assert.Equal(t, dayPartNight, dayPart(cstClock(2)))
}
