// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evac

import (
	"fmt"
	"strings"
)

// Collection names a shared entity collection kept in sync between the
// backend and every device in a company.
type Collection string

const (
	CollectionRoster     Collection = "roster"
	CollectionLists      Collection = "lists"
	CollectionEvacuation Collection = "evacuation"
	CollectionInvites    Collection = "invites"
	CollectionCheckins   Collection = "checkins"
	CollectionPoints     Collection = "points"
	CollectionHistory    Collection = "history"
)

// ScopeKind identifies which identifier partitions a collection.
type ScopeKind string

const (
	ScopeCompany    ScopeKind = "company"
	ScopeList       ScopeKind = "list"
	ScopeUser       ScopeKind = "user"
	ScopeEvacuation ScopeKind = "evacuation"
)

// scopeKinds maps each collection to its partitioning identifier.
//
// Check-in documents are scoped by evacuation id, not list id: a list can
// be evacuated repeatedly and each event owns its own check-in document.
var scopeKinds = map[Collection]ScopeKind{
	CollectionRoster:     ScopeCompany,
	CollectionLists:      ScopeCompany,
	CollectionEvacuation: ScopeCompany,
	CollectionPoints:     ScopeCompany,
	CollectionHistory:    ScopeCompany,
	CollectionInvites:    ScopeUser,
	CollectionCheckins:   ScopeEvacuation,
}

// ScopeKindOf returns the identifier kind that partitions the collection.
func ScopeKindOf(c Collection) (ScopeKind, bool) {
	k, ok := scopeKinds[c]
	return k, ok
}

// Topic builds the push-channel topic string for a (collection, scope key)
// pair. An empty scope key yields an empty topic, which subscription code
// treats as "nothing to subscribe to".
func Topic(c Collection, scopeKey string) string {
	if scopeKey == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", c, scopeKey)
}

// ParseTopic splits a topic string back into collection and scope key.
func ParseTopic(topic string) (Collection, string, error) {
	parts := strings.SplitN(topic, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed topic %q", topic)
	}
	c := Collection(parts[0])
	if _, ok := scopeKinds[c]; !ok {
		return "", "", fmt.Errorf("unknown collection in topic %q", topic)
	}
	return c, parts[1], nil
}
