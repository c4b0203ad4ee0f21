package evidence

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the credibility class of an evidence source.
type Tier string

const (
	TierA Tier = "A" // peer-reviewed, official lab, leaderboard
	TierB Tier = "B" // official company communication
	TierC Tier = "C" // general press
	TierD Tier = "D" // social / other
)

// ParseTier parses a tier letter, case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("invalid evidence tier %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of A, B, C, D.
func (t Tier) Valid() bool {
	switch t {
	case TierA, TierB, TierC, TierD:
		return true
	default:
		return false
	}
}

// IsProvisional is true for everything except tier A.
func (t Tier) IsProvisional() bool {
	return t != TierA
}

// CanMoveGauges reports whether evidence of this tier may ever contribute to
// published category or overall scores. Only A and B can.
func (t Tier) CanMoveGauges() bool {
	return t == TierA || t == TierB
}

// AlwaysReview reports whether links from this tier are review-gated
// regardless of confidence.
func (t Tier) AlwaysReview() bool {
	return !t.CanMoveGauges()
}

// ConfidenceBoost is the additive mapping confidence bonus for the tier.
// C and D get none.
func (t Tier) ConfidenceBoost() float64 {
	switch t {
	case TierA:
		return 0.10
	case TierB:
		return 0.05
	default:
		return 0
	}
}

// QualityWeight is the tier's contribution to a category's evidence-quality
// score when deriving confidence bands.
func (t Tier) QualityWeight() float64 {
	switch t {
	case TierA:
		return 1.0
	case TierB:
		return 0.8
	case TierC:
		return 0.3
	case TierD:
		return 0.1
	default:
		return 0
	}
}

// TierForSourceKind returns the default tier for a connector's source kind,
// used when the connector did not assign one.
func TierForSourceKind(kind string) Tier {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "peer_reviewed", "official_lab", "leaderboard", "arxiv", "paper":
		return TierA
	case "company", "blog", "official":
		return TierB
	case "press", "news":
		return TierC
	default:
		return TierD
	}
}

// Direction is the sense in which a signpost's metric improves.
type Direction string

const (
	DirectionUp   Direction = ">="
	DirectionDown Direction = "<="
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// Category groups signposts for scoring.
type Category string

const (
	CategoryCapabilities Category = "capabilities"
	CategoryAgents       Category = "agents"
	CategoryInputs       Category = "inputs"
	CategorySecurity     Category = "security"
)

// Categories lists the scored categories in display order.
var Categories = []Category{CategoryCapabilities, CategoryAgents, CategoryInputs, CategorySecurity}

// RawItem is a single claim handed over by a connector.
type RawItem struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	URL         string    `json:"url"`
	Publisher   string    `json:"publisher"`
	PublishedAt time.Time `json:"published_at"`
	SourceKind  string    `json:"source_kind"`
	Tier        Tier      `json:"evidence_tier,omitempty"` // empty = derive from SourceKind
}

// EffectiveTier returns the connector-assigned tier, or the source-kind default
// when none was assigned. An assigned tier that is not A-D is an error.
func (r RawItem) EffectiveTier() (Tier, error) {
	if r.Tier == "" {
		return TierForSourceKind(r.SourceKind), nil
	}
	return ParseTier(string(r.Tier))
}

// Event is the deduplicated, canonical form of a RawItem. Events are never
// physically deleted; retraction is a soft flag.
type Event struct {
	ID                    string
	Fingerprint           string
	Title                 string
	Summary               string
	URL                   string // canonical
	Publisher             string
	SourceKind            string
	PublishedAt           time.Time
	Tier                  Tier
	Provisional           bool
	NeedsReview           bool
	Mapped                bool // mapper has processed the event
	Retracted             bool
	RetractedAt           *time.Time
	RetractionReason      string
	RetractionEvidenceURL string
	IngestedAt            time.Time
	UpdatedAt             time.Time
}

// Link is an Event→Signpost edge produced by the mapper.
type Link struct {
	ID           string
	EventID      string
	SignpostCode string
	Confidence   float64
	Value        *float64 // extracted numeric, if any
	Rationale    string
	ObservedAt   time.Time
	NeedsReview  bool
	Provisional  bool
	ApprovedAt   *time.Time
	ApprovedBy   string
	CreatedAt    time.Time
}

// Evidence is a link joined with the state of its event, as consumed by
// aggregation and corroboration.
type Evidence struct {
	Link           Link
	Tier           Tier
	EventRetracted bool
}

// Eligible reports whether the evidence may contribute to published scores:
// not retracted, not awaiting review, tier A or B, and no longer provisional.
// B-tier links start provisional and only count once corroborated by A-tier
// evidence.
func (e Evidence) Eligible() bool {
	return !e.EventRetracted && !e.Link.NeedsReview && !e.Link.Provisional && e.Tier.CanMoveGauges()
}

// Signpost is a tracked metric with a baseline and a target.
type Signpost struct {
	Code       string    `yaml:"code" json:"code"`
	Name       string    `yaml:"name" json:"name"`
	Category   Category  `yaml:"category" json:"category"`
	Direction  Direction `yaml:"direction" json:"direction"`
	Baseline   float64   `yaml:"baseline" json:"baseline"`
	Target     float64   `yaml:"target" json:"target"`
	Unit       string    `yaml:"unit" json:"unit"`
	FirstClass bool      `yaml:"first_class" json:"first_class"`
	Weight     float64   `yaml:"weight,omitempty" json:"weight,omitempty"` // 0 = 1
}

// EffectiveWeight returns the signpost's weight within its category.
func (s Signpost) EffectiveWeight() float64 {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

// Band is a lower/upper confidence bound around a score.
type Band struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// SignpostProgress is a per-signpost line of a snapshot, including
// monitor-only signposts that never feed category scores.
type SignpostProgress struct {
	Code       string     `json:"code"`
	Category   Category   `json:"category"`
	FirstClass bool       `json:"first_class"`
	Observed   *float64   `json:"observed,omitempty"`
	Progress   float64    `json:"progress"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
	EventID    string     `json:"event_id,omitempty"`
}

// Snapshot is one aggregation result for a (date, preset) pair. Rows are
// append-only; a recompute for the same key writes a higher Revision.
type Snapshot struct {
	ID             string              `json:"id"`
	AsOf           time.Time           `json:"as_of"`
	Preset         string              `json:"preset"`
	Revision       int                 `json:"revision"`
	Capabilities   float64             `json:"capabilities"`
	Agents         float64             `json:"agents"`
	Inputs         float64             `json:"inputs"`
	Security       float64             `json:"security"`
	Overall        float64             `json:"overall"`
	SafetyMargin   float64             `json:"safety_margin"`
	Bands          map[string]Band     `json:"confidence_bands"`
	Signposts      []SignpostProgress  `json:"signposts"`
	EvidenceCounts map[Category]Counts `json:"evidence_counts"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Score returns the snapshot's score for a category.
func (s *Snapshot) Score(c Category) float64 {
	switch c {
	case CategoryCapabilities:
		return s.Capabilities
	case CategoryAgents:
		return s.Agents
	case CategoryInputs:
		return s.Inputs
	case CategorySecurity:
		return s.Security
	default:
		return 0
	}
}

// Counts tallies evidence per tier.
type Counts struct {
	A int `json:"A"`
	B int `json:"B"`
	C int `json:"C"`
	D int `json:"D"`
}

// Add increments the count for t.
func (c *Counts) Add(t Tier) {
	switch t {
	case TierA:
		c.A++
	case TierB:
		c.B++
	case TierC:
		c.C++
	case TierD:
		c.D++
	}
}

// Total is the sum over all tiers.
func (c Counts) Total() int {
	return c.A + c.B + c.C + c.D
}

// ChangeKind classifies changelog entries.
type ChangeKind string

const (
	ChangeAdd         ChangeKind = "add"
	ChangeUpdate      ChangeKind = "update"
	ChangeRetract     ChangeKind = "retract"
	ChangeReject      ChangeKind = "reject"
	ChangeSignificant ChangeKind = "significant"
)

// ChangelogEntry is a human-readable record of a published-state change.
type ChangelogEntry struct {
	ID        string
	Kind      ChangeKind
	EventID   string
	Title     string
	Body      string
	Reason    string
	CreatedAt time.Time
}
