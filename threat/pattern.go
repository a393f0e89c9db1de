package threat

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPatternNotFound is returned when a pattern ID is not registered
	ErrPatternNotFound = errors.New("threat pattern not found")

	// ErrPatternExists is returned when adding a pattern whose ID is taken
	ErrPatternExists = errors.New("threat pattern already exists")

	// ErrInvalidPattern is returned when a pattern definition fails validation
	ErrInvalidPattern = errors.New("invalid threat pattern")
)

// Severity grades a detected threat.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Reaction names the policy applied when a pattern threshold is crossed.
// Custom reactions can be added with Engine.RegisterReaction.
type Reaction string

const (
	ReactionLog       Reaction = "log"
	ReactionBlock     Reaction = "block"
	ReactionChallenge Reaction = "challenge"
	ReactionAlert     Reaction = "alert"
)

// Pattern is a named detection rule. Each (pattern, source address, subject)
// combination owns its own sliding-window counter.
type Pattern struct {
	ID        string        `koanf:"id" json:"id"`
	Name      string        `koanf:"name" json:"name"`
	Severity  Severity      `koanf:"severity" json:"severity"`
	Threshold int           `koanf:"threshold" json:"threshold"`
	Window    time.Duration `koanf:"window" json:"window"`
	Reaction  Reaction      `koanf:"reaction" json:"reaction"`
	Enabled   bool          `koanf:"enabled" json:"enabled"`
}

// Validate checks the structural rules every pattern must satisfy. Whether
// the reaction has a registered handler is checked by the engine.
func (p Pattern) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPattern)
	}
	if p.Threshold < 1 {
		return fmt.Errorf("%w: %s: threshold must be at least 1, got %d", ErrInvalidPattern, p.ID, p.Threshold)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: %s: window must be positive, got %s", ErrInvalidPattern, p.ID, p.Window)
	}
	if !p.Severity.Valid() {
		return fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidPattern, p.ID, p.Severity)
	}
	if p.Reaction == "" {
		return fmt.Errorf("%w: %s: reaction is required", ErrInvalidPattern, p.ID)
	}
	return nil
}

// PatternUpdate carries a partial update. Nil fields are left unchanged.
type PatternUpdate struct {
	Name      *string
	Severity  *Severity
	Threshold *int
	Window    *time.Duration
	Reaction  *Reaction
	Enabled   *bool
}

// apply returns p with the non-nil fields of u merged in.
func (u PatternUpdate) apply(p Pattern) Pattern {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Severity != nil {
		p.Severity = *u.Severity
	}
	if u.Threshold != nil {
		p.Threshold = *u.Threshold
	}
	if u.Window != nil {
		p.Window = *u.Window
	}
	if u.Reaction != nil {
		p.Reaction = *u.Reaction
	}
	if u.Enabled != nil {
		p.Enabled = *u.Enabled
	}
	return p
}
