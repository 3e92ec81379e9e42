// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package checkin

import (
	"testing"
	"time"

	"github.com/staysafer/evacsync/internal/evac"
)

func dur(seconds float64) *float64 { return &seconds }

func member(id string, methods map[evac.MethodKind]evac.MethodStatus, absent bool) evac.CheckinRecord {
	return evac.CheckinRecord{
		SubjectID:       id,
		IsCompanyMember: true,
		Methods:         methods,
		Absent:          evac.AbsentStatus{Active: absent},
	}
}

func contact(id string, methods map[evac.MethodKind]evac.MethodStatus) evac.CheckinRecord {
	return evac.CheckinRecord{
		SubjectID: id,
		Methods:   methods,
	}
}

func TestClassifyThresholds(t *testing.T) {
	twoMethods := map[evac.MethodKind]evac.MethodStatus{
		evac.MethodManual: {Active: true, DurationSeconds: dur(120)},
		evac.MethodGPS:    {Active: true, DurationSeconds: dur(300)},
		evac.MethodNFC:    {Active: false},
	}
	oneMethod := map[evac.MethodKind]evac.MethodStatus{
		evac.MethodManual: {Active: true, DurationSeconds: dur(120)},
	}

	tests := []struct {
		name       string
		record     evac.CheckinRecord
		strict     bool
		wantSafe   bool
		wantAbsent bool
	}{
		{"member two methods strict", member("m-1", twoMethods, false), true, true, false},
		{"member two methods relaxed", member("m-1", twoMethods, false), false, true, false},
		{"member one method strict", member("m-1", oneMethod, false), true, false, false},
		{"member one method relaxed", member("m-1", oneMethod, false), false, true, false},
		{"contact one method strict", contact("c-1", oneMethod), true, true, false},
		{"member absent", member("m-1", nil, true), false, false, true},
		{"member no methods not absent", member("m-1", nil, false), false, false, false},
		// Absent marker plus an active method: present, absence is not
		// authoritative.
		{"absent but checked in", member("m-1", oneMethod, true), false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := map[string]evac.CheckinRecord{tt.record.SubjectID: tt.record}
			s := Classify(records, Options{Strict: tt.strict})

			if got := len(s.Absent) == 1; got != tt.wantAbsent {
				t.Fatalf("absent = %v, want %v", got, tt.wantAbsent)
			}
			if tt.wantAbsent {
				return
			}
			if len(s.Present) != 1 {
				t.Fatalf("present = %v", s.Present)
			}
			if got := len(s.Safe) == 1; got != tt.wantSafe {
				t.Fatalf("safe = %v (safe=%v unsafe=%v), want %v", got, s.Safe, s.Unsafe, tt.wantSafe)
			}
		})
	}
}

func TestHistogramCumulative(t *testing.T) {
	records := map[string]evac.CheckinRecord{
		// Safe at 2 minutes: counted in every bucket.
		"m-1": member("m-1", map[evac.MethodKind]evac.MethodStatus{
			evac.MethodManual: {Active: true, DurationSeconds: dur(120)},
		}, false),
		// Safe at 12 minutes: 15 and 20 only.
		"m-2": member("m-2", map[evac.MethodKind]evac.MethodStatus{
			evac.MethodGPS: {Active: true, DurationSeconds: dur(720)},
		}, false),
		// Safe but no duration recorded: counts as safe, no histogram entry.
		"m-3": member("m-3", map[evac.MethodKind]evac.MethodStatus{
			evac.MethodNFC: {Active: true},
		}, false),
	}

	s := Classify(records, Options{})
	if len(s.Safe) != 3 {
		t.Fatalf("safe = %v", s.Safe)
	}

	wantCounts := []int{1, 1, 2, 2} // 5, 10, 15, 20 minutes
	for i, b := range s.TimeToSafe {
		if b.Count != wantCounts[i] {
			t.Errorf("bucket %v count = %d, want %d", b.Interval, b.Count, wantCounts[i])
		}
	}

	// Cumulative property: counts never decrease across buckets.
	for i := 1; i < len(s.TimeToSafe); i++ {
		if s.TimeToSafe[i].Count < s.TimeToSafe[i-1].Count {
			t.Fatalf("histogram not cumulative: %+v", s.TimeToSafe)
		}
	}
}

func TestStrictModeUsesSecondSmallestDuration(t *testing.T) {
	// Confirmed by two methods at 4 and 11 minutes: the strict instant
	// is the second-smallest, landing in the 15-minute bucket.
	records := map[string]evac.CheckinRecord{
		"m-1": member("m-1", map[evac.MethodKind]evac.MethodStatus{
			evac.MethodManual: {Active: true, DurationSeconds: dur(240)},
			evac.MethodGPS:    {Active: true, DurationSeconds: dur(660)},
		}, false),
	}

	strict := Classify(records, Options{Strict: true})
	wantStrict := []int{0, 0, 1, 1}
	for i, b := range strict.TimeToSafe {
		if b.Count != wantStrict[i] {
			t.Errorf("strict bucket %v = %d, want %d", b.Interval, b.Count, wantStrict[i])
		}
	}

	relaxed := Classify(records, Options{Strict: false})
	wantRelaxed := []int{1, 1, 1, 1}
	for i, b := range relaxed.TimeToSafe {
		if b.Count != wantRelaxed[i] {
			t.Errorf("relaxed bucket %v = %d, want %d", b.Interval, b.Count, wantRelaxed[i])
		}
	}
}

func TestStrictInstantNeedsTwoDurations(t *testing.T) {
	// Two active methods but only one recorded duration: safe under
	// strict mode, but no reliable second-confirmation instant.
	records := map[string]evac.CheckinRecord{
		"m-1": member("m-1", map[evac.MethodKind]evac.MethodStatus{
			evac.MethodManual: {Active: true, DurationSeconds: dur(60)},
			evac.MethodNFC:    {Active: true},
		}, false),
	}
	s := Classify(records, Options{Strict: true})
	if len(s.Safe) != 1 {
		t.Fatalf("safe = %v", s.Safe)
	}
	for _, b := range s.TimeToSafe {
		if b.Count != 0 {
			t.Fatalf("histogram counted an instant without two durations: %+v", s.TimeToSafe)
		}
	}
}

func TestClassifyDegradesOnEmptyInput(t *testing.T) {
	for _, records := range []map[string]evac.CheckinRecord{nil, {}} {
		s := Classify(records, Options{Strict: true})
		if len(s.Present)+len(s.Absent)+len(s.Safe)+len(s.Unsafe) != 0 {
			t.Fatalf("non-zero summary for empty input: %+v", s)
		}
		if len(s.TimeToSafe) != len(DefaultIntervals) {
			t.Fatalf("histogram shape = %d buckets", len(s.TimeToSafe))
		}
	}
}

func TestClassifyCustomIntervals(t *testing.T) {
	records := map[string]evac.CheckinRecord{
		"m-1": member("m-1", map[evac.MethodKind]evac.MethodStatus{
			evac.MethodManual: {Active: true, DurationSeconds: dur(30)},
		}, false),
	}
	s := Classify(records, Options{Intervals: []time.Duration{time.Minute, 2 * time.Minute}})
	if len(s.TimeToSafe) != 2 || s.TimeToSafe[0].Count != 1 || s.TimeToSafe[1].Count != 1 {
		t.Fatalf("custom intervals = %+v", s.TimeToSafe)
	}
}

func TestMissing(t *testing.T) {
	records := map[string]evac.CheckinRecord{
		"m-1": member("m-1", map[evac.MethodKind]evac.MethodStatus{
			evac.MethodManual: {Active: true},
		}, false),
		"m-2": member("m-2", nil, false), // never checked in
		"m-3": member("m-3", nil, true),  // reported absent
	}

	missing := Missing(records, MissingPolicy{Strict: false})
	if len(missing) != 1 || missing[0] != "m-2" {
		t.Fatalf("missing = %v, want [m-2]", missing)
	}

	// Strict mode also flags the single-method member.
	missing = Missing(records, MissingPolicy{Strict: true})
	if len(missing) != 2 {
		t.Fatalf("strict missing = %v, want [m-1 m-2]", missing)
	}
}
