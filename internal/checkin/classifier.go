// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkin classifies per-person check-in records into
// presence/absence and safe/unsafe statistics with cumulative
// time-to-safe histograms.
//
// Classify is deterministic and side-effect-free: it is the basis for
// every statistics screen and must be testable without network or UI.
// It never panics on missing or malformed data; it degrades to zero
// values instead.
package checkin

import (
	"sort"
	"time"

	"github.com/staysafer/evacsync/internal/evac"
)

// DefaultIntervals are the histogram intervals used when Options leaves
// Intervals empty.
var DefaultIntervals = []time.Duration{
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
	20 * time.Minute,
}

// Options controls classification policy.
type Options struct {
	// Strict requires two independent check-in methods for a company
	// member to count as safe ("staysafer mode"). External and temporary
	// contacts always need only one method, strict or not.
	Strict bool

	// Intervals are the cumulative histogram bucket upper bounds, in
	// ascending order. Empty means DefaultIntervals.
	Intervals []time.Duration
}

// threshold returns the safe-method threshold for one record.
func (o Options) threshold(r evac.CheckinRecord) int {
	if o.Strict && r.IsCompanyMember {
		return 2
	}
	return 1
}

// Bucket is one cumulative histogram bucket: everyone whose time-to-safe
// instant is at most Interval.
type Bucket struct {
	Interval time.Duration
	Count    int
}

// Summary is the classification result. The ID slices are sorted for
// deterministic output.
type Summary struct {
	// Present holds subject ids not marked absent (an active method
	// always outranks the absent marker).
	Present []string

	// Absent holds subject ids with the absent marker and no active
	// method.
	Absent []string

	// Safe holds present subject ids meeting their method threshold.
	Safe []string

	// Unsafe holds present subject ids below their method threshold.
	Unsafe []string

	// TimeToSafe is the cumulative histogram of time-to-safe instants.
	// A person counted in the 5-minute bucket is also counted in every
	// larger bucket. Safe records without recorded durations are counted
	// in Safe but contribute nothing here.
	TimeToSafe []Bucket
}

// Classify computes presence and safety statistics for a check-in
// document.
//
// A record is absent iff its absent marker is active and no method is
// active; otherwise it is present. A present record is safe iff its
// active-method count meets the threshold: 1, or 2 when Options.Strict
// is set and the record belongs to a company member.
//
// The time-to-safe instant of a safe record is the threshold-th smallest
// duration among its active methods ("confirmed by N independent
// methods"); records lacking enough recorded durations are skipped in
// the histogram.
func Classify(records map[string]evac.CheckinRecord, opts Options) Summary {
	intervals := opts.Intervals
	if len(intervals) == 0 {
		intervals = DefaultIntervals
	}

	summary := Summary{TimeToSafe: make([]Bucket, len(intervals))}
	for i, iv := range intervals {
		summary.TimeToSafe[i].Interval = iv
	}

	for id, record := range records {
		if id == "" {
			id = record.SubjectID
		}
		active := record.ActiveMethods()

		if record.Absent.Active && len(active) == 0 {
			summary.Absent = append(summary.Absent, id)
			continue
		}
		summary.Present = append(summary.Present, id)

		threshold := opts.threshold(record)
		if len(active) < threshold {
			summary.Unsafe = append(summary.Unsafe, id)
			continue
		}
		summary.Safe = append(summary.Safe, id)

		if instant, ok := timeToSafe(active, threshold); ok {
			for i := range summary.TimeToSafe {
				if instant <= summary.TimeToSafe[i].Interval {
					summary.TimeToSafe[i].Count++
				}
			}
		}
	}

	sort.Strings(summary.Present)
	sort.Strings(summary.Absent)
	sort.Strings(summary.Safe)
	sort.Strings(summary.Unsafe)
	return summary
}

// timeToSafe returns the threshold-th smallest recorded duration among
// the active methods. ok is false when fewer than threshold methods
// carry a duration (legacy clients omit them).
func timeToSafe(active []evac.MethodStatus, threshold int) (time.Duration, bool) {
	durations := make([]float64, 0, len(active))
	for _, m := range active {
		if m.DurationSeconds != nil {
			durations = append(durations, *m.DurationSeconds)
		}
	}
	if len(durations) < threshold {
		return 0, false
	}
	sort.Float64s(durations)
	return time.Duration(durations[threshold-1] * float64(time.Second)), true
}

// MissingPolicy selects how End-of-evacuation "missing contacts" are
// computed.
type MissingPolicy struct {
	// Strict mirrors Options.Strict for the confirmation prompt.
	Strict bool
}

// Missing returns the sorted subject ids that are neither safe nor
// absent under the policy. Used for the operator's end-of-evacuation
// confirmation message; it never blocks the end transition.
func Missing(records map[string]evac.CheckinRecord, policy MissingPolicy) []string {
	summary := Classify(records, Options{Strict: policy.Strict})
	return summary.Unsafe
}
