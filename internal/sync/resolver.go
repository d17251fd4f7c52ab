package sync

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dedet2/crmsync/internal/metrics"
)

// ConflictState tracks a conflict through its lifecycle.
type ConflictState string

const (
	ConflictDetected      ConflictState = "detected"
	ConflictPendingReview ConflictState = "pending_review"
	ConflictResolved      ConflictState = "resolved"
)

// Conflict records one detected divergence between the two stores.
type Conflict struct {
	ID           string
	EntityType   string
	LocalID      int64
	RemoteID     string
	Fields       []string // conflicting field names, sorted
	LocalValues  map[string]any
	RemoteValues map[string]any
	Strategy     Strategy
	State        ConflictState
	Winner       string // "local", "remote" or "merged" once resolved
	DetectedAt   time.Time
	ResolvedAt   *time.Time
}

// Resolution is the outcome of resolving one record pair.
type Resolution struct {
	ConflictID string         // id in the conflict log, empty when nothing conflicted
	Fields     map[string]any // resolved local-name payload, nil while pending review
	Conflicts  []string       // conflicting field names, sorted
	Pending    bool
	Winner     string
}

// ConflictSummary aggregates the conflict log for status reporting.
type ConflictSummary struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"by_state"`
	ByEntityType  map[string]int `json:"by_entity_type"`
	PendingReview []string       `json:"pending_review"`
}

const maxConflictLog = 1000

// Resolver applies one conflict strategy and keeps a bounded log of every
// conflict it has seen, including those still awaiting manual review.
type Resolver struct {
	mu       stdsync.Mutex
	strategy Strategy
	log      []*Conflict
	byID     map[string]*Conflict
}

// NewResolver creates a resolver for the given strategy
func NewResolver(strategy Strategy) *Resolver {
	return &Resolver{
		strategy: strategy,
		byID:     make(map[string]*Conflict),
	}
}

// conflictingFields returns the sorted field names defined on both sides with
// differing values. No type coercion happens before comparison, a string "5"
// and a number 5 conflict.
func conflictingFields(local, remote map[string]any) []string {
	var fields []string
	for name, lv := range local {
		rv, ok := remote[name]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(lv, rv) {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

// Resolve compares a local and a remote field payload (both keyed by local
// field names) and returns the resolved payload. When no field conflicts the
// local payload comes back untouched and no conflict is recorded.
func (r *Resolver) Resolve(et EntityType, localID int64, remoteID string, local, remote map[string]any) Resolution {
	fields := conflictingFields(local, remote)
	if len(fields) == 0 {
		return Resolution{Fields: local}
	}

	conflict := &Conflict{
		ID:           uuid.NewString(),
		EntityType:   et.Name,
		LocalID:      localID,
		RemoteID:     remoteID,
		Fields:       fields,
		LocalValues:  pick(local, fields),
		RemoteValues: pick(remote, fields),
		Strategy:     r.strategy,
		State:        ConflictDetected,
		DetectedAt:   time.Now(),
	}

	resolution := Resolution{ConflictID: conflict.ID, Conflicts: fields}
	switch r.strategy {
	case StrategyLocalWins:
		resolution.Fields = local
		resolution.Winner = "local"
	case StrategyRemoteWins:
		resolution.Fields = remote
		resolution.Winner = "remote"
	case StrategyTimestampBased:
		resolution.Fields, resolution.Winner = resolveByTimestamp(local, remote)
	case StrategySmartMerge:
		resolution.Fields = smartMerge(local, remote, fields)
		resolution.Winner = "merged"
	case StrategyManualReview:
		resolution.Pending = true
		conflict.State = ConflictPendingReview
	default:
		resolution.Fields = local
		resolution.Winner = "local"
	}

	if !resolution.Pending {
		now := time.Now()
		conflict.State = ConflictResolved
		conflict.Winner = resolution.Winner
		conflict.ResolvedAt = &now
	}

	r.record(conflict)
	metrics.RecordConflict(et.Name, string(r.strategy))
	logrus.WithFields(logrus.Fields{
		"entity_type": et.Name,
		"local_id":    localID,
		"remote_id":   remoteID,
		"fields":      fields,
		"strategy":    r.strategy,
		"state":       conflict.State,
	}).Info("Conflict detected")

	return resolution
}

// ResolveManually settles a pending conflict with an explicit winner and
// returns the resolved payload for the caller to apply to both stores.
func (r *Resolver) ResolveManually(conflictID, winner string) (*Conflict, map[string]any, error) {
	if winner != "local" && winner != "remote" {
		return nil, nil, fmt.Errorf("invalid winner %q, must be local or remote", winner)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conflict, ok := r.byID[conflictID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown conflict %q", conflictID)
	}
	if conflict.State != ConflictPendingReview {
		return nil, nil, fmt.Errorf("conflict %q is %s, not pending review", conflictID, conflict.State)
	}

	now := time.Now()
	conflict.State = ConflictResolved
	conflict.Winner = winner
	conflict.ResolvedAt = &now

	values := conflict.LocalValues
	if winner == "remote" {
		values = conflict.RemoteValues
	}

	logrus.WithFields(logrus.Fields{
		"conflict_id": conflictID,
		"winner":      winner,
	}).Info("Conflict resolved manually")

	return conflict, values, nil
}

// Summary aggregates the bounded conflict log.
func (r *Resolver) Summary() ConflictSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := ConflictSummary{
		Total:        len(r.log),
		ByState:      make(map[string]int),
		ByEntityType: make(map[string]int),
	}
	for _, c := range r.log {
		summary.ByState[string(c.State)]++
		summary.ByEntityType[c.EntityType]++
		if c.State == ConflictPendingReview {
			summary.PendingReview = append(summary.PendingReview, c.ID)
		}
	}
	return summary
}

// ConflictsSince returns conflicts detected at or after the given time.
func (r *Resolver) ConflictsSince(since time.Time) []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Conflict
	for _, c := range r.log {
		if !c.DetectedAt.Before(since) {
			out = append(out, *c)
		}
	}
	return out
}

func (r *Resolver) record(c *Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.log = append(r.log, c)
	r.byID[c.ID] = c
	if len(r.log) > maxConflictLog {
		evicted := r.log[0]
		r.log = r.log[1:]
		delete(r.byID, evicted.ID)
	}
}

func pick(fields map[string]any, names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = fields[name]
	}
	return out
}

// resolveByTimestamp lets the side with the later modification timestamp win
// wholesale. A side missing its timestamp loses to one that has it, and local
// wins when neither side has one.
func resolveByTimestamp(local, remote map[string]any) (map[string]any, string) {
	localTS, localOK := modifiedAt(local)
	remoteTS, remoteOK := modifiedAt(remote)

	switch {
	case localOK && remoteOK:
		if remoteTS.After(localTS) {
			return remote, "remote"
		}
		return local, "local"
	case remoteOK:
		return remote, "remote"
	default:
		return local, "local"
	}
}

// Field-name sets driving the smart merge heuristics.
var (
	textMergeFields  = map[string]bool{"notes": true, "description": true}
	listMergeFields  = map[string]bool{"tags": true, "tools": true, "sources": true, "categories": true}
	moneyMergeFields = map[string]bool{"revenue": true, "compensation": true, "price": true}
)

// smartMerge resolves each conflicting field by a field-name-driven heuristic
// and keeps every non-conflicting field from the local side.
func smartMerge(local, remote map[string]any, conflicts []string) map[string]any {
	merged := make(map[string]any, len(local))
	for k, v := range local {
		merged[k] = v
	}

	for _, field := range conflicts {
		lv, rv := local[field], remote[field]
		switch {
		case textMergeFields[field]:
			merged[field] = mergeText(lv, rv)
		case listMergeFields[field]:
			if combined, ok := mergeLists(lv, rv); ok {
				merged[field] = combined
			} else {
				merged[field] = timestampPick(local, remote, field)
			}
		case moneyMergeFields[field]:
			merged[field] = mergeMonetary(lv, rv)
		default:
			merged[field] = timestampPick(local, remote, field)
		}
	}
	return merged
}

func timestampPick(local, remote map[string]any, field string) any {
	winner, _ := resolveByTimestamp(local, remote)
	return winner[field]
}

// mergeText keeps the local text first and appends the remote text with an
// attribution marker.
func mergeText(local, remote any) any {
	return fmt.Sprintf("%v\n\n[Airtable]: %v", local, remote)
}

// mergeLists unions two list values, keeping local element order and
// appending remote elements not already present.
func mergeLists(local, remote any) ([]any, bool) {
	lv, lok := toList(local)
	rv, rok := toList(remote)
	if !lok || !rok {
		return nil, false
	}

	seen := make(map[string]bool, len(lv))
	merged := make([]any, 0, len(lv)+len(rv))
	for _, item := range lv {
		key := fmt.Sprintf("%v", item)
		if !seen[key] {
			seen[key] = true
			merged = append(merged, item)
		}
	}
	for _, item := range rv {
		key := fmt.Sprintf("%v", item)
		if !seen[key] {
			seen[key] = true
			merged = append(merged, item)
		}
	}
	return merged, true
}

func toList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// mergeMonetary keeps the numerically larger amount after stripping currency
// formatting. When either side fails to parse, the local value is kept.
func mergeMonetary(local, remote any) any {
	localNum, lok := parseMonetary(local)
	remoteNum, rok := parseMonetary(remote)
	if !lok || !rok {
		return local
	}
	if localNum > remoteNum {
		return local
	}
	return remote
}

func parseMonetary(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		cleaned := make([]rune, 0, len(n))
		for _, r := range n {
			switch r {
			case '$', ',', ' ':
				continue
			}
			cleaned = append(cleaned, r)
		}
		parsed, err := strconv.ParseFloat(string(cleaned), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}
