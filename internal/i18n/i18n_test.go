// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package i18n

import (
	"strings"
	"testing"
)

func TestTKnownMessage(t *testing.T) {
	Init("en")
	got := T("tenant.added")
	if !strings.Contains(got, "tenant") {
		t.Fatalf("unexpected translation: %q", got)
	}
}

func TestTUnknownMessageFallsBackToID(t *testing.T) {
	Init("en")
	const id = "no.such.message"
	if got := T(id); got != id {
		t.Fatalf("expected fallback to id, got %q", got)
	}
}

func TestTWithoutInitDefaultsToEnglish(t *testing.T) {
	localizer = nil
	bundle = nil
	if got := T("scheduler.stopped"); got == "" {
		t.Fatal("expected non-empty translation")
	}
}
