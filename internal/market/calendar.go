package market

import "time"

// SessionPhase names a slice of the trading day.
type SessionPhase string

const (
	PhasePreOpen      SessionPhase = "pre_open"
	PhaseContinuousAM SessionPhase = "continuous_am"
	PhaseLunch        SessionPhase = "lunch"
	PhaseContinuousPM SessionPhase = "continuous_pm"
	PhaseCloseAuction SessionPhase = "close_auction"
	PhaseContinuous   SessionPhase = "continuous"
	PhaseClosed       SessionPhase = "closed"
)

// Calendar answers session questions for one market using its local
// wall clock. Exchange holidays are not modeled; weekends are closed.
type Calendar struct {
	market Market
	loc    *time.Location
}

// NewCalendar builds the calendar for a market. The IANA zones are
// compiled in; a missing zone database falls back to a fixed offset.
func NewCalendar(market Market) *Calendar {
	var name string
	var fallback *time.Location
	switch market {
	case MarketCN:
		name = "Asia/Shanghai"
		fallback = time.FixedZone("CST", 8*60*60)
	default:
		name = "America/New_York"
		fallback = time.FixedZone("EST", -5*60*60)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = fallback
	}
	return &Calendar{market: market, loc: loc}
}

// Market returns the market this calendar covers.
func (c *Calendar) Market() Market {
	return c.market
}

// Location returns the market's IANA timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether local now falls on a weekday.
func (c *Calendar) IsTradingDay(now time.Time) bool {
	wd := now.In(c.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Phase returns the session phase at now.
func (c *Calendar) Phase(now time.Time) SessionPhase {
	if !c.IsTradingDay(now) {
		return PhaseClosed
	}
	local := now.In(c.loc)
	minutes := local.Hour()*60 + local.Minute()

	if c.market == MarketCN {
		switch {
		case minutes >= 9*60+15 && minutes < 9*60+30:
			return PhasePreOpen
		case minutes >= 9*60+30 && minutes < 11*60+30:
			return PhaseContinuousAM
		case minutes >= 11*60+30 && minutes < 13*60:
			return PhaseLunch
		case minutes >= 13*60 && minutes < 14*60+57:
			return PhaseContinuousPM
		case minutes >= 14*60+57 && minutes < 15*60:
			return PhaseCloseAuction
		default:
			return PhaseClosed
		}
	}

	switch {
	case minutes >= 9*60 && minutes < 9*60+30:
		return PhasePreOpen
	case minutes >= 9*60+30 && minutes < 16*60:
		return PhaseContinuous
	default:
		return PhaseClosed
	}
}

// IsOpen reports whether orders can trade at now. Pre-open and the
// lunch break count as closed.
func (c *Calendar) IsOpen(now time.Time) bool {
	switch c.Phase(now) {
	case PhaseContinuousAM, PhaseContinuousPM, PhaseCloseAuction, PhaseContinuous:
		return true
	default:
		return false
	}
}

// DayKey formats now as the market-local trading day.
func (c *Calendar) DayKey(now time.Time) string {
	return now.In(c.loc).Format("2006-01-02")
}

// OpenTime returns today's session open in market-local time.
func (c *Calendar) OpenTime(now time.Time) time.Time {
	local := now.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, c.loc)
}

// CloseTime returns today's session close in market-local time.
func (c *Calendar) CloseTime(now time.Time) time.Time {
	local := now.In(c.loc)
	hour := 15
	if c.market != MarketCN {
		hour = 16
	}
	return time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, c.loc)
}

// CutoffTime returns the betting cutoff, thirty minutes before close.
func (c *Calendar) CutoffTime(now time.Time) time.Time {
	return c.CloseTime(now).Add(-30 * time.Minute)
}

// InOpeningPhase reports whether now sits within the first minutes of
// the continuous session, where the readiness gate may relax its
// intraday frame minimum.
func (c *Calendar) InOpeningPhase(now time.Time, minutes int) bool {
	if !c.IsOpen(now) {
		return false
	}
	open := c.OpenTime(now)
	local := now.In(c.loc)
	return !local.Before(open) && local.Before(open.Add(time.Duration(minutes)*time.Minute))
}
