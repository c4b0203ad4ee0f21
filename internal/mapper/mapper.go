package mapper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/triage-ai/proximity/internal/catalog"
	"github.com/triage-ai/proximity/internal/evidence"
	"go.uber.org/zap"
)

const (
	baseConfidence   = 0.5
	numericBonus     = 0.2
	multiRuleBonus   = 0.2
	maxConfidence    = 0.95
	reviewThreshold  = 0.6
	maxLinksPerEvent = 2
)

// Status distinguishes mapped from unmapped events.
type Status int

const (
	StatusMapped Status = iota + 1
	StatusUnmapped
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusMapped:
		return "mapped"
	case StatusUnmapped:
		return "unmapped"
	default:
		return "unspecified"
	}
}

// Result is the outcome of mapping one event. An unmapped event has no links
// and must be flagged for review; it is not an error.
type Result struct {
	Status     Status
	Links      []evidence.Link
	Rationale  string // why the event is unmapped, empty when mapped
	Classified bool   // links came from the fallback classifier
	// BudgetRefused is set when the classifier call was refused by the
	// spend budget.
	BudgetRefused bool
}

// NeedsReview reports whether the event itself must go to the review queue.
func (r Result) NeedsReview() bool {
	return r.Status == StatusUnmapped
}

// Options configures optional mapper behavior.
type Options struct {
	Classifier       Classifier // nil disables fallback classification
	Budget           Budget     // required when Classifier is set
	EstimatedCostUSD float64    // per classifier call, checked against Budget
}

// Mapper links events to signposts with the rule registry and numeric cues.
// A Mapper holds no mutable state and is safe for concurrent use.
type Mapper struct {
	rules   *Registry
	catalog *catalog.Catalog
	opts    Options
	logger  *zap.Logger
}

// New creates a Mapper.
func New(rules *Registry, cat *catalog.Catalog, opts Options, logger *zap.Logger) *Mapper {
	if opts.Classifier != nil && opts.Budget == nil {
		logger.Warn("fallback classifier configured without a budget, disabling it")
		opts.Classifier = nil
	}
	return &Mapper{rules: rules, catalog: cat, opts: opts, logger: logger}
}

// candidate accumulates every rule hit for one signpost code.
type candidate struct {
	code       string
	rules      []*Rule
	cue        *Cue
	confidence float64
	rationale  string
}

// Map proposes links for ev. The returned links carry fresh IDs and are not
// yet persisted.
func (m *Mapper) Map(ctx context.Context, ev *evidence.Event) Result {
	text := ev.Title + " " + ev.Summary
	cues := ExtractCues(text)

	byCode := make(map[string]*candidate)
	var order []string
	for _, rule := range m.rules.Matches(text) {
		for _, code := range rule.Codes {
			if !m.catalog.Has(code) {
				continue
			}
			c, ok := byCode[code]
			if !ok {
				c = &candidate{code: code}
				byCode[code] = c
				order = append(order, code)
			}
			c.rules = append(c.rules, rule)
		}
	}

	if len(byCode) == 0 {
		return m.fallback(ctx, ev)
	}

	cands := make([]*candidate, 0, len(order))
	for _, code := range order {
		c := byCode[code]
		m.score(c, cues, ev.Tier)
		cands = append(cands, c)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].confidence != cands[j].confidence {
			return cands[i].confidence > cands[j].confidence
		}
		return cands[i].code < cands[j].code
	})
	if len(cands) > maxLinksPerEvent {
		cands = cands[:maxLinksPerEvent]
	}

	links := make([]evidence.Link, 0, len(cands))
	for _, c := range cands {
		var value *float64
		if c.cue != nil {
			v := c.cue.Value
			value = &v
		}
		links = append(links, m.newLink(ev, c.code, c.confidence, value, c.rationale))
	}
	return Result{Status: StatusMapped, Links: links}
}

// score computes the candidate's confidence and rationale.
func (m *Mapper) score(c *candidate, cues []Cue, tier evidence.Tier) {
	var parts []string

	names := make([]string, 0, len(c.rules))
	var boost float64
	for _, r := range c.rules {
		names = append(names, r.Name)
		boost = math.Max(boost, r.Boost)
	}
	conf := baseConfidence + boost
	parts = append(parts, fmt.Sprintf("rules=%s base=%.2f", strings.Join(names, ","), baseConfidence))
	if boost > 0 {
		parts = append(parts, fmt.Sprintf("rule_boost=+%.2f", boost))
	}

	if sp, ok := m.catalog.Get(c.code); ok {
		if kind, ok := CueForUnit(sp.Unit); ok {
			if cue, found := firstOfKind(cues, kind); found {
				c.cue = &cue
				conf += numericBonus
				parts = append(parts, fmt.Sprintf("numeric=%s %q +%.2f", cue.Kind, cue.Text, numericBonus))
			}
		}
	}

	families := make(map[string]bool, len(c.rules))
	for _, r := range c.rules {
		families[r.Family] = true
	}
	if len(families) >= 2 {
		conf += multiRuleBonus
		parts = append(parts, fmt.Sprintf("multi_rule=%d +%.2f", len(families), multiRuleBonus))
	}

	if b := tier.ConfidenceBoost(); b > 0 {
		conf += b
		parts = append(parts, fmt.Sprintf("tier=%s +%.2f", tier, b))
	} else {
		parts = append(parts, fmt.Sprintf("tier=%s +0.00", tier))
	}

	c.confidence = capConfidence(conf)
	c.rationale = strings.Join(parts, "; ")
}

func (m *Mapper) newLink(ev *evidence.Event, code string, conf float64, value *float64, rationale string) evidence.Link {
	return evidence.Link{
		ID:           uuid.NewString(),
		EventID:      ev.ID,
		SignpostCode: code,
		Confidence:   conf,
		Value:        value,
		Rationale:    rationale,
		ObservedAt:   ev.PublishedAt,
		NeedsReview:  LinkNeedsReview(conf, ev.Tier),
		Provisional:  ev.Tier.IsProvisional(),
	}
}

// LinkNeedsReview is true when confidence is below 0.6 or the tier is C/D.
func LinkNeedsReview(confidence float64, tier evidence.Tier) bool {
	return confidence < reviewThreshold || tier.AlwaysReview()
}

func capConfidence(c float64) float64 {
	switch {
	case c > maxConfidence:
		return maxConfidence
	case c < 0:
		return 0
	default:
		return c
	}
}

// fallback runs the optional classifier for an event no rule matched. Any
// refusal or failure degrades to an unmapped result.
func (m *Mapper) fallback(ctx context.Context, ev *evidence.Event) Result {
	unmapped := Result{Status: StatusUnmapped, Rationale: "no rule matched"}
	if m.opts.Classifier == nil {
		return unmapped
	}

	if err := m.opts.Budget.Allow(ctx, m.opts.EstimatedCostUSD); err != nil {
		if errors.Is(err, ErrBudgetExceeded) {
			m.logger.Info("classifier refused, budget exceeded", zap.String("event_id", ev.ID))
			unmapped.Rationale = "no rule matched; classifier refused: budget exceeded"
			unmapped.BudgetRefused = true
		} else {
			m.logger.Warn("classifier budget check failed", zap.String("event_id", ev.ID), zap.Error(err))
			unmapped.Rationale = "no rule matched; classifier refused: budget unavailable"
		}
		return unmapped
	}

	cls, err := m.opts.Classifier.Classify(ctx, ClassifyRequest{
		Title:      ev.Title,
		Summary:    ev.Summary,
		Candidates: m.catalog.Codes(),
	})
	if err != nil {
		m.logger.Warn("fallback classifier failed", zap.String("event_id", ev.ID), zap.Error(err))
		unmapped.Rationale = "no rule matched; classifier unavailable"
		return unmapped
	}
	if err := m.opts.Budget.Record(ctx, cls.CostUSD); err != nil {
		m.logger.Warn("failed to record classifier spend", zap.Float64("cost_usd", cls.CostUSD), zap.Error(err))
	}

	var sugg []Suggestion
	seen := make(map[string]bool)
	for _, s := range cls.Suggestions {
		if m.catalog.Has(s.Code) && !seen[s.Code] {
			seen[s.Code] = true
			sugg = append(sugg, s)
		}
	}
	if len(sugg) == 0 {
		unmapped.Rationale = "no rule matched; classifier found no signpost"
		return unmapped
	}
	sort.SliceStable(sugg, func(i, j int) bool { return sugg[i].Confidence > sugg[j].Confidence })
	if len(sugg) > maxLinksPerEvent {
		sugg = sugg[:maxLinksPerEvent]
	}

	cues := ExtractCues(ev.Title + " " + ev.Summary)
	links := make([]evidence.Link, 0, len(sugg))
	for _, s := range sugg {
		var value *float64
		if sp, ok := m.catalog.Get(s.Code); ok {
			if kind, ok := CueForUnit(sp.Unit); ok {
				if cue, found := firstOfKind(cues, kind); found {
					v := cue.Value
					value = &v
				}
			}
		}
		conf := capConfidence(s.Confidence)
		rationale := fmt.Sprintf("classifier model=%s confidence=%.2f", cls.Model, conf)
		if s.Reason != "" {
			rationale += "; " + s.Reason
		}
		links = append(links, m.newLink(ev, s.Code, conf, value, rationale))
	}
	return Result{Status: StatusMapped, Links: links, Classified: true}
}
