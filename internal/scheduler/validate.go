package scheduler

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mistakeknot/interlease/internal/core"
)

// Violation rules reported in core.ValidationError.
const (
	RuleRequired      = "required"
	RuleOrder         = "start_after_end"
	RulePast          = "start_in_past"
	RuleSpan          = "span_too_long"
	RuleAmount        = "amount_out_of_range"
	RuleMessageLength = "message_too_long"
	RuleSelfBid       = "self_bid"
	RuleDecision      = "invalid_decision"
)

func (s *Scheduler) today() time.Time {
	return core.DateOf(s.cfg.Now(), s.cfg.Location)
}

func (s *Scheduler) validateBid(req BidRequest, today time.Time) core.Violations {
	var vs core.Violations
	if strings.TrimSpace(req.ResourceID) == "" {
		vs.Add("resource_id", RuleRequired, "resource id is required")
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		vs.Add("requester_id", RuleRequired, "requester id is required")
	}
	iv := req.Interval
	switch {
	case iv.Start.IsZero() || iv.End.IsZero():
		vs.Add("interval", RuleRequired, "start and end dates are required")
	default:
		if iv.End.Before(iv.Start) {
			vs.Add("interval.end", RuleOrder, "end %s is before start %s", iv.End.Format(core.DateLayout), iv.Start.Format(core.DateLayout))
		}
		if iv.Start.Before(today) {
			vs.Add("interval.start", RulePast, "start %s is before today %s", iv.Start.Format(core.DateLayout), today.Format(core.DateLayout))
		}
		if !iv.End.Before(iv.Start) && iv.Days() > s.cfg.MaxSpanDays {
			vs.Add("interval", RuleSpan, "%d days exceeds the %d day maximum", iv.Days(), s.cfg.MaxSpanDays)
		}
	}
	if math.IsNaN(req.Amount) || req.Amount <= 0 || req.Amount > s.cfg.MaxAmount {
		vs.Add("amount", RuleAmount, "amount must be greater than 0 and at most %g", s.cfg.MaxAmount)
	}
	s.checkMessage(&vs, "message", req.Message)
	return vs
}

func (s *Scheduler) checkMessage(vs *core.Violations, field, msg string) {
	if s.cfg.MaxMessageLen > 0 && utf8.RuneCountInString(msg) > s.cfg.MaxMessageLen {
		vs.Add(field, RuleMessageLength, "message exceeds %d characters", s.cfg.MaxMessageLen)
	}
}
