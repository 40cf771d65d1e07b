package trigger

import (
	"fmt"
	"time"

	"github.com/roach88/bluelines/internal/model"
)

// EventKind distinguishes trigger sources.
type EventKind string

const (
	EventApprovalChanged       EventKind = "approval_changed"
	EventPurchaseRecorded      EventKind = "purchase_recorded"
	EventPeriodicSyncDue       EventKind = "periodic_sync_due"
	EventExternalSyncCompleted EventKind = "external_sync_completed"
)

// Event is one delivery from a trigger source. Pair-scoped events carry a
// Pair; PeriodicSyncDue carries a Variant instead.
type Event struct {
	ID      string        `json:"id,omitempty" yaml:"id,omitempty"`
	Kind    EventKind     `json:"kind" yaml:"kind"`
	Pair    model.PairKey `json:"pair,omitempty" yaml:"pair,omitempty"`
	Variant model.Variant `json:"variant,omitempty" yaml:"variant,omitempty"`
	At      time.Time     `json:"at,omitempty" yaml:"at,omitempty"`
}

// ApprovalChanged builds an approval event for pair.
func ApprovalChanged(pair model.PairKey) Event {
	return Event{Kind: EventApprovalChanged, Pair: pair}
}

// PurchaseRecorded builds a purchase event for pair.
func PurchaseRecorded(pair model.PairKey) Event {
	return Event{Kind: EventPurchaseRecorded, Pair: pair}
}

// PeriodicSyncDue builds a sweep event. An empty variant sweeps every record.
func PeriodicSyncDue(variant model.Variant) Event {
	return Event{Kind: EventPeriodicSyncDue, Variant: variant}
}

// ExternalSyncCompleted builds an external sync event for pair.
func ExternalSyncCompleted(pair model.PairKey) Event {
	return Event{Kind: EventExternalSyncCompleted, Pair: pair}
}

// Validate checks that the event carries what its kind needs.
func (e Event) Validate() error {
	switch e.Kind {
	case EventApprovalChanged, EventPurchaseRecorded, EventExternalSyncCompleted:
		if err := e.Pair.Validate(); err != nil {
			return fmt.Errorf("%s event: %w", e.Kind, err)
		}
	case EventPeriodicSyncDue:
		if e.Variant != "" {
			if _, err := model.ParseVariant(string(e.Variant)); err != nil {
				return fmt.Errorf("%s event: %w", e.Kind, err)
			}
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Action is what a run did to a pair's record.
type Action string

const (
	ActionCreated    Action = "created"
	ActionRecomputed Action = "recomputed"
	ActionDeleted    Action = "deleted"
	ActionEmptied    Action = "emptied"
	ActionSynced     Action = "synced"
	ActionEdited     Action = "edited"
	ActionNone       Action = "none"
	ActionAborted    Action = "aborted"
)

// Outcome reports one pair's run. Sync failures are reported here and on the
// record; they are not returned as errors.
type Outcome struct {
	Pair      model.PairKey        `json:"pair"`
	Action    Action               `json:"action"`
	Eligible  bool                 `json:"eligible"`
	Reasons   []string             `json:"reasons,omitempty"`
	Variant   model.Variant        `json:"variant,omitempty"`
	SyncState model.SyncState      `json:"sync_state,omitempty"`
	Warnings  []model.Warning      `json:"warnings,omitempty"`
	Error     string               `json:"error,omitempty"`
	Record    *model.DerivedRecord `json:"record,omitempty"`

	// Err is the fatal error of an aborted run, or the sync error of a run
	// that committed a Failed record.
	Err error `json:"-"`
}

func (o *Outcome) setErr(err error) {
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
}
