// Package eligibility decides whether a material-supplier pair should carry a
// derived record, and which variant it is.
//
// Every function here is a pure function of its inputs. Callers load the
// pair history and pass the evaluation time explicitly.
package eligibility

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/bluelines/internal/model"
)

// RegulatoryState is the derived state of the regulatory section.
type RegulatoryState string

const (
	RegulatoryApproved    RegulatoryState = "approved"
	RegulatoryNotApproved RegulatoryState = "not_approved"
)

// TechnicalState is the derived state of the technical section.
type TechnicalState string

const (
	TechnicalClear   TechnicalState = "clear"
	TechnicalBlocked TechnicalState = "blocked"
)

// Reason codes, in the order Check reports them.
const (
	ReasonRegulatoryNotApproved = "REGULATORY_NOT_APPROVED"
	ReasonTechnicalBlocked      = "TECHNICAL_BLOCKED"
	ReasonNoRecentPurchase      = "NO_RECENT_PURCHASE"
)

// Decision is the outcome of an eligibility check.
type Decision struct {
	Pair           model.PairKey   `json:"pair"`
	Eligible       bool            `json:"eligible"`
	Reasons        []string        `json:"reasons,omitempty"`
	Regulatory     RegulatoryState `json:"regulatory"`
	Technical      TechnicalState  `json:"technical"`
	PurchaseRecent bool            `json:"purchase_recent"`
	LastPurchase   *time.Time      `json:"last_purchase,omitempty"`
	EvaluatedAt    time.Time       `json:"evaluated_at"`
}

// ReasonCodes returns the leading code of every reason.
func (d Decision) ReasonCodes() []string {
	codes := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		code, _, _ := strings.Cut(r, ":")
		codes[i] = code
	}
	return codes
}

// Evaluator checks eligibility with a configured purchase lookback window.
type Evaluator struct {
	Lookback Lookback
}

// New returns an Evaluator. A zero lookback selects DefaultLookback.
func New(lookback Lookback) *Evaluator {
	if lookback.IsZero() {
		lookback = DefaultLookback
	}
	return &Evaluator{Lookback: lookback}
}

// Check evaluates the pair's history at now.
//
// The pair is eligible iff the regulatory section is approved, the technical
// section is clear and a purchase falls inside the lookback window. Every
// failing condition contributes a reason, in that order.
func (e *Evaluator) Check(history model.PairHistory, now time.Time) Decision {
	d := Decision{
		Pair:        history.Pair,
		Regulatory:  Regulatory(history),
		Technical:   Technical(history),
		EvaluatedAt: now,
	}

	since := e.Lookback.Since(now)
	for _, p := range history.Purchases {
		if p.Pair != history.Pair {
			continue
		}
		if d.LastPurchase == nil || p.At.After(*d.LastPurchase) {
			at := p.At
			d.LastPurchase = &at
		}
	}
	d.PurchaseRecent = d.LastPurchase != nil && !d.LastPurchase.Before(since)

	if d.Regulatory != RegulatoryApproved {
		status, ok := model.CurrentStatus(history.Approvals, history.Pair, model.SectionRegulatory)
		if ok {
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: current regulatory status is %s", ReasonRegulatoryNotApproved, status))
		} else {
			d.Reasons = append(d.Reasons, ReasonRegulatoryNotApproved+": no regulatory approval on record")
		}
	}
	if d.Technical == TechnicalBlocked {
		d.Reasons = append(d.Reasons, ReasonTechnicalBlocked+": technical section rejected")
	}
	if !d.PurchaseRecent {
		if d.LastPurchase == nil {
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: no purchase or sample request on record (lookback %s)", ReasonNoRecentPurchase, e.Lookback))
		} else {
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: last purchase %s is before %s (lookback %s)",
				ReasonNoRecentPurchase, d.LastPurchase.UTC().Format(time.DateOnly), since.UTC().Format(time.DateOnly), e.Lookback))
		}
	}

	d.Eligible = len(d.Reasons) == 0
	return d
}

// Regulatory derives the regulatory state of the history's pair.
func Regulatory(history model.PairHistory) RegulatoryState {
	status, ok := model.CurrentStatus(history.Approvals, history.Pair, model.SectionRegulatory)
	if ok && (status == model.StatusAPC || status == model.StatusAPR) {
		return RegulatoryApproved
	}
	return RegulatoryNotApproved
}

// Technical derives the technical state of the history's pair.
func Technical(history model.PairHistory) TechnicalState {
	status, ok := model.CurrentStatus(history.Approvals, history.Pair, model.SectionTechnical)
	if ok && status == model.StatusREJ {
		return TechnicalBlocked
	}
	return TechnicalClear
}

// DetermineVariant returns Homologated iff the pair has at least one approved
// laboratory-origin composition record. It does not depend on eligibility.
func DetermineVariant(history model.PairHistory) model.Variant {
	for _, c := range history.Compositions {
		if c.Pair == history.Pair && c.Origin == model.OriginLaboratory && c.Approved {
			return model.VariantHomologated
		}
	}
	return model.VariantProvisional
}

// AllTerminal reports whether the pair's approvals have all ended: at least
// one section has records, and the latest record of every section is CAN, REJ
// or EXP. Status transitions append records, so the latest record of a section
// is the current state of that approval.
func AllTerminal(history model.PairHistory) bool {
	latest := make(map[model.Section]model.ApprovalStatus, 2)
	for _, r := range model.SortApprovals(history.Approvals) {
		if r.Pair == history.Pair {
			latest[r.Section] = r.Status
		}
	}
	if len(latest) == 0 {
		return false
	}
	for _, status := range latest {
		if !status.Terminal() {
			return false
		}
	}
	return true
}
