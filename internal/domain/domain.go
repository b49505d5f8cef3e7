package domain

import "time"

type State string

const (
	StateLocked    State = "locked"
	StateUnlocked  State = "unlocked"
	StateCompleted State = "completed"
)

// Valid reports whether s is one of the three lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateLocked, StateUnlocked, StateCompleted:
		return true
	}
	return false
}

type Kind string

const (
	KindChapter Kind = "chapter"
	KindSession Kind = "session"
)

func (k Kind) Valid() bool {
	return k == KindChapter || k == KindSession
}

type Milestone struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Kind      Kind       `json:"kind,omitempty"`
	Optional  bool       `json:"optional"`
	State     State      `json:"state,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Position  *int64     `json:"position,omitempty"`
}

// EffectiveState treats a missing state as locked. Unrecognized values are
// returned unchanged.
func (m Milestone) EffectiveState() State {
	if m.State == "" {
		return StateLocked
	}
	return m.State
}

// EffectiveKind treats a missing kind as a chapter.
func (m Milestone) EffectiveKind() Kind {
	if m.Kind == "" {
		return KindChapter
	}
	return m.Kind
}

// Order is the position, falling back to the id.
func (m Milestone) Order() int64 {
	if m.Position != nil {
		return *m.Position
	}
	return m.ID
}

func (m Milestone) Completed() bool { return m.EffectiveState() == StateCompleted }
func (m Milestone) Unlocked() bool  { return m.EffectiveState() == StateUnlocked }

// Transition is raised for every state change made by the unlock evaluator.
type Transition struct {
	Milestone Milestone `json:"milestone"`
	From      State     `json:"from"`
	To        State     `json:"to"`
}

type PlanStatusRule struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type MilestoneUnlockedRule struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	Days            int  `json:"days" yaml:"days"`
	ApplyToChapters bool `json:"apply_to_chapters" yaml:"apply_to_chapters"`
	ApplyToSessions bool `json:"apply_to_sessions" yaml:"apply_to_sessions"`
	IgnoreOptional  bool `json:"ignore_optional" yaml:"ignore_optional"`
	FurthestOnly    bool `json:"furthest_only" yaml:"furthest_only"`
}

type SessionReminderRule struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Days    int  `json:"days" yaml:"days"`
}

// Rules is the communication rule configuration of a plan. MilestoneUnlocked
// is required once a milestone unlocks; a nil value is a configuration error.
type Rules struct {
	PlanStatus        PlanStatusRule         `json:"plan_status" yaml:"plan_status"`
	MilestoneUnlocked *MilestoneUnlockedRule `json:"milestone_unlocked,omitempty" yaml:"milestone_unlocked,omitempty"`
	SessionReminder   SessionReminderRule    `json:"session_reminder" yaml:"session_reminder"`
}

func DefaultRules() Rules {
	return Rules{
		PlanStatus: PlanStatusRule{Enabled: true},
		MilestoneUnlocked: &MilestoneUnlockedRule{
			Enabled:         true,
			Days:            3,
			ApplyToChapters: true,
			ApplyToSessions: false,
			IgnoreOptional:  true,
			FurthestOnly:    true,
		},
		SessionReminder: SessionReminderRule{Enabled: true, Days: 2},
	}
}

const RuleMilestoneUnlocked = "milestoneUnlocked"

type ScheduledCommunication struct {
	Rule          string    `json:"rule"`
	MilestoneID   int64     `json:"milestone_id"`
	MilestoneName string    `json:"milestone_name"`
	DaysOffset    int       `json:"days_offset"`
	ScheduledDate time.Time `json:"scheduled_date"`
}

const (
	TypePlanStarted   = "Plan Started"
	TypePlanCompleted = "Plan Completed"
)

func UnlockedFollowUpType(name string) string { return "Unlocked Follow-up: " + name }
func SessionReminderType(name string) string  { return "Session Reminder: " + name }

type DeliveredCommunication struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Date      time.Time  `json:"date"`
	Milestone *Milestone `json:"milestone,omitempty"`
}

// MilestoneID returns the referenced milestone id, or 0 for plan-level entries.
func (d DeliveredCommunication) MilestoneID() int64 {
	if d.Milestone == nil {
		return 0
	}
	return d.Milestone.ID
}

// CurrentMilestone is the redirection target of a plan.
type CurrentMilestone struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type Plan struct {
	ID          string    `json:"id"`
	Strategy    Strategy  `json:"strategy"`
	Rules       Rules     `json:"rules"`
	StartDate   time.Time `json:"start_date"`
	CurrentDate time.Time `json:"current_date"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
	UpdatedAt   string    `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PlanID     string `json:"plan_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
