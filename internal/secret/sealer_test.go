// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package secret

import (
	"errors"
	"testing"
)

func TestSealRoundTrip(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	s, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	token, err := s.Seal("hunter2")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if token == "hunter2" {
		t.Fatal("sealed value equals plaintext")
	}

	got, err := s.Open(token)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("round trip = %q", got)
	}
}

func TestSealDistinctTokens(t *testing.T) {
	key, _ := NewKey()
	s, _ := NewSealer(key)
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Fatal("expected nonce to vary between seals")
	}
}

func TestNewSealerRejectsBadKey(t *testing.T) {
	if _, err := NewSealer("not-base64!!"); !errors.Is(err, ErrBadKey) {
		t.Fatalf("expected ErrBadKey, got %v", err)
	}
	if _, err := NewSealer("c2hvcnQ="); !errors.Is(err, ErrBadKey) {
		t.Fatalf("expected ErrBadKey for short key, got %v", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	key, _ := NewKey()
	s, _ := NewSealer(key)
	if _, err := s.Open("AAAA"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := s.Open("%%%"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for bad base64, got %v", err)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	k1, _ := NewKey()
	k2, _ := NewKey()
	s1, _ := NewSealer(k1)
	s2, _ := NewSealer(k2)
	token, _ := s1.Seal("secret")
	if _, err := s2.Open(token); err == nil {
		t.Fatal("expected failure opening with wrong key")
	}
}
