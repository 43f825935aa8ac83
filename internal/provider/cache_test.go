// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package provider

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheSingleFlight(t *testing.T) {
	c := NewCache(time.Minute)
	var fills int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrFill("k", func() (any, error) {
				atomic.AddInt32(&fills, 1)
				time.Sleep(10 * time.Millisecond)
				return "value", nil
			})
			if err != nil || v != "value" {
				t.Errorf("GetOrFill: %v %v", v, err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&fills); n != 1 {
		t.Errorf("fill ran %d times, want 1", n)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	var fills int
	fill := func() (any, error) { fills++; return fills, nil }

	if _, err := c.GetOrFill("k", fill); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrFill("k", fill); err != nil {
		t.Fatal(err)
	}
	if fills != 1 {
		t.Errorf("fills = %d before expiry, want 1", fills)
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.GetOrFill("k", fill); err != nil {
		t.Fatal(err)
	}
	if fills != 2 {
		t.Errorf("fills = %d after expiry, want 2", fills)
	}
}

func TestCacheDoesNotCacheErrors(t *testing.T) {
	c := NewCache(time.Minute)
	boom := errors.New("boom")
	var fills int
	fill := func() (any, error) {
		fills++
		if fills == 1 {
			return nil, boom
		}
		return "ok", nil
	}

	if _, err := c.GetOrFill("k", fill); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	v, err := c.GetOrFill("k", fill)
	if err != nil || v != "ok" {
		t.Errorf("retry after error: %v %v", v, err)
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(time.Minute)
	var fills int
	fill := func() (any, error) { fills++; return fills, nil }

	_, _ = c.GetOrFill("k", fill)
	c.Invalidate("k")
	_, _ = c.GetOrFill("k", fill)
	if fills != 2 {
		t.Errorf("fills = %d after invalidate, want 2", fills)
	}
}
