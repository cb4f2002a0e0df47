// Package observability tracks predicate frequency across queries and
// suggests indexes for hot unindexed columns.
package observability

import (
	"sort"
	"sync"
	"time"
)

// QueryStats tracks how often each column appears in query predicates.
type QueryStats struct {
	mu            sync.RWMutex
	predicateFreq map[string]*ColumnStats
	window        time.Duration
}

// ColumnStats holds access statistics for one qualified column.
type ColumnStats struct {
	Table     string         `json:"table"`
	Column    string         `json:"column"`
	Frequency int64          `json:"frequency"`
	LastSeen  time.Time      `json:"last_seen"`
	Operators map[string]int `json:"operators"`
}

// NewQueryStats creates a tracker. Entries unseen for longer than the
// window are dropped by Prune.
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		predicateFreq: make(map[string]*ColumnStats),
		window:        window,
	}
}

// RecordPredicate records one predicate hit. O(1) and safe for concurrent
// use.
func (q *QueryStats) RecordPredicate(table, column, operator string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := table + "." + column
	stats, ok := q.predicateFreq[key]
	if !ok {
		stats = &ColumnStats{Table: table, Column: column, Operators: make(map[string]int)}
		q.predicateFreq[key] = stats
	}
	stats.Frequency++
	stats.LastSeen = time.Now()
	stats.Operators[operator]++
}

// TopPredicates returns the n most frequent predicate columns, most
// frequent first, as deep copies.
func (q *QueryStats) TopPredicates(n int) []ColumnStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if n <= 0 || len(q.predicateFreq) == 0 {
		return []ColumnStats{}
	}
	stats := make([]ColumnStats, 0, len(q.predicateFreq))
	for _, s := range q.predicateFreq {
		cp := ColumnStats{
			Table:     s.Table,
			Column:    s.Column,
			Frequency: s.Frequency,
			LastSeen:  s.LastSeen,
			Operators: make(map[string]int, len(s.Operators)),
		}
		for op, count := range s.Operators {
			cp.Operators[op] = count
		}
		stats = append(stats, cp)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Table+"."+stats[i].Column < stats[j].Table+"."+stats[j].Column
	})
	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// IndexSuggestion names a column worth indexing.
type IndexSuggestion struct {
	Table     string `json:"table"`
	Column    string `json:"column"`
	Frequency int64  `json:"frequency"`
	Reason    string `json:"reason"`
}

// SuggestIndexes returns hot predicate columns that no existing index
// covers as a leading column. indexed maps "table.column" to true for the
// first column of every usable index.
func (q *QueryStats) SuggestIndexes(n int, minFrequency int64, indexed map[string]bool) []IndexSuggestion {
	var out []IndexSuggestion
	for _, s := range q.TopPredicates(n + len(indexed)) {
		if s.Frequency < minFrequency {
			continue
		}
		if indexed[s.Table+"."+s.Column] {
			continue
		}
		out = append(out, IndexSuggestion{
			Table:     s.Table,
			Column:    s.Column,
			Frequency: s.Frequency,
			Reason:    "frequent predicate column without a leading index",
		})
		if len(out) == n {
			break
		}
	}
	return out
}

// Prune drops entries not seen within the window. Call periodically.
func (q *QueryStats) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := time.Now().Add(-q.window)
	for key, stats := range q.predicateFreq {
		if stats.LastSeen.Before(threshold) {
			delete(q.predicateFreq, key)
		}
	}
}
