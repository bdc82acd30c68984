package model

// Outcome is the inferred auction result for a lot.
type Outcome string

const (
	OutcomeUnknown    Outcome = "unknown"
	OutcomeSold       Outcome = "sold"
	OutcomeNotSold    Outcome = "not_sold"
	OutcomeOnApproval Outcome = "on_approval"
)

// Valid reports whether o is one of the defined outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeUnknown, OutcomeSold, OutcomeNotSold, OutcomeOnApproval:
		return true
	}
	return false
}

// Terminal reports whether o is a final determination. Terminal outcomes are
// never re-evaluated except for the relist override (sold -> not_sold).
func (o Outcome) Terminal() bool {
	return o == OutcomeSold || o == OutcomeNotSold
}

// EventType classifies a diff-detected change between two snapshots.
type EventType string

const (
	EventAppeared    EventType = "appeared"
	EventDisappeared EventType = "disappeared"
	EventUpdated     EventType = "updated"
	EventRelisted    EventType = "relisted"
)

// Valid reports whether t is one of the defined event types.
func (t EventType) Valid() bool {
	switch t {
	case EventAppeared, EventDisappeared, EventUpdated, EventRelisted:
		return true
	}
	return false
}
