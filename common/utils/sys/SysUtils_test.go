package sys

import (
	"strings"
	"testing"
)

func TestGetGIDDiffersAcrossGoroutines(t *testing.T) {
	main := GetGID()
	if main == 0 {
		t.Fatalf("expected a goroutine id")
	}
	done := make(chan uint64)
	go func() { done <- GetGID() }()
	if other := <-done; other == main {
		t.Fatalf("expected distinct ids, both %d", main)
	}
	if again := GetGID(); again != main {
		t.Fatalf("id changed within one goroutine: %d then %d", main, again)
	}
}

func TestCatchPanic(t *testing.T) {
	run := func() (err error) {
		defer CatchPanic(&err)
		panic("coil jammed")
	}
	err := run()
	if err == nil || !strings.Contains(err.Error(), "coil jammed") {
		t.Fatalf("expected recovered panic, got %v", err)
	}
}
