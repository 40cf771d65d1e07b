package model

import (
	"slices"
	"strings"
)

// SortApprovals orders records by RecordedAt, then Seq, then ID.
// The ordering is total so "most recent" is deterministic.
func SortApprovals(records []ApprovalRecord) []ApprovalRecord {
	out := slices.Clone(records)
	slices.SortStableFunc(out, func(a, b ApprovalRecord) int {
		if c := a.RecordedAt.Compare(b.RecordedAt); c != 0 {
			return c
		}
		if a.Seq != b.Seq {
			if a.Seq < b.Seq {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// CurrentStatus returns the status of the most recent non-excluded record of a
// pair's section.
//
// CAN and EXP never count. REJ counts only while it is the latest record of
// its section; once superseded it is excluded like any older record.
// Excluded records are skipped, not deleted.
func CurrentStatus(records []ApprovalRecord, pair PairKey, section Section) (ApprovalStatus, bool) {
	var current ApprovalStatus
	found := false
	for _, r := range SortApprovals(records) {
		if r.Pair != pair || r.Section != section {
			continue
		}
		if r.Status == StatusCAN || r.Status == StatusEXP {
			continue
		}
		current = r.Status
		found = true
	}
	return current, found
}
