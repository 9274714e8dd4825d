// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package directory

import (
	"sort"
	"testing"
)

func TestMultiMapAddReturnsFirst(t *testing.T) {
	m := NewMultiMap[string, string]()
	if !m.Add("svc", "c1") {
		t.Error("first add should report a new key")
	}
	if m.Add("svc", "c2") {
		t.Error("second add should not report a new key")
	}
}

func TestMultiMapRemoveLast(t *testing.T) {
	m := NewMultiMap[string, string]()
	m.Add("svc", "c1")
	m.Add("svc", "c2")

	if m.Remove("svc", "c1") {
		t.Error("removal with remaining values should return false")
	}
	if !m.Remove("svc", "c2") {
		t.Error("removal of the last value should return true")
	}
	if m.Has("svc") {
		t.Error("emptied key should be gone")
	}
}

// Removing an absent key must not report "last removed".
func TestMultiMapRemoveAbsent(t *testing.T) {
	m := NewMultiMap[string, string]()
	if m.Remove("nope", "c1") {
		t.Error("removing an absent key must return false")
	}

	m.Add("svc", "c1")
	if m.Remove("svc", "unrelated") {
		t.Error("removing an absent value must not empty the key")
	}
	if !m.Has("svc") {
		t.Error("key should survive removal of an absent value")
	}
}

func TestBiMultiMapBothSides(t *testing.T) {
	m := NewBiMultiMap[string, string]()
	m.Add("api.web", "c1")
	m.Add("api.web", "c2")
	m.Add("db.web", "c1")

	byKey := m.GetByKey("api.web")
	sort.Strings(byKey)
	if len(byKey) != 2 || byKey[0] != "c1" || byKey[1] != "c2" {
		t.Errorf("unexpected subscribers: %v", byKey)
	}

	byValue := m.GetByValue("c1")
	sort.Strings(byValue)
	if len(byValue) != 2 || byValue[0] != "api.web" || byValue[1] != "db.web" {
		t.Errorf("unexpected subscriptions: %v", byValue)
	}

	if m.Remove("api.web", "c1") {
		t.Error("api.web still has a subscriber")
	}
	if !m.Remove("api.web", "c2") {
		t.Error("last subscriber should empty the key")
	}
	if m.HasKey("api.web") {
		t.Error("emptied key should be gone")
	}
	if !m.HasValue("c1") {
		t.Error("c1 still subscribes to db.web")
	}
}
