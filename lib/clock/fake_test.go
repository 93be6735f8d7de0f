// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeStandsStill(t *testing.T) {
	c := Fake(epoch)
	if !c.Now().Equal(epoch) {
		t.Fatalf("Now = %v, want %v", c.Now(), epoch)
	}
	if !c.Now().Equal(c.Now()) {
		t.Fatal("fake clock moved without Advance")
	}
}

func TestFakeAdvanceAndSince(t *testing.T) {
	c := Fake(epoch)
	start := c.Now()
	c.Advance(1500 * time.Millisecond)

	if got := Since(c, start); got != 1500*time.Millisecond {
		t.Errorf("Since = %v, want 1.5s", got)
	}

	later := epoch.Add(time.Hour)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("after Set, Now = %v, want %v", c.Now(), later)
	}
}

func TestFakeConcurrentAdvance(t *testing.T) {
	c := Fake(epoch)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
			_ = c.Now()
		}()
	}
	wg.Wait()

	if got := c.Now().Sub(epoch); got != 50*time.Second {
		t.Errorf("advanced %v, want 50s", got)
	}
}

func TestRealMovesForward(t *testing.T) {
	c := Real()
	first := c.Now()
	if Since(c, first) < 0 {
		t.Error("real clock went backwards")
	}
}
