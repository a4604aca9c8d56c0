package template

import (
	"math/rand"
	"regexp"
	"strconv"
	"testing"
	"time"
)

func TestFnUUID(t *testing.T) {
	s := &Scope{Rand: rand.New(rand.NewSource(42))}
	result, err := fnUUID(s, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	uuidPattern := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	if !uuidPattern.MatchString(result) {
		t.Errorf("invalid UUID format: %s", result)
	}
}

func TestFnUUID_WithArgs(t *testing.T) {
	if _, err := fnUUID(&Scope{}, "x"); err == nil {
		t.Error("expected error for uuid with arguments")
	}
}

func TestFnTimestampMs(t *testing.T) {
	s := &Scope{Now: time.UnixMilli(1700000000123)}
	result, err := fnTimestampMs(s, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "1700000000123" {
		t.Errorf("expected 1700000000123, got %s", result)
	}
}

func TestFnRandom(t *testing.T) {
	s := &Scope{Rand: rand.New(rand.NewSource(3))}
	for i := 0; i < 100; i++ {
		result, err := fnRandom(s, " 5 , 9 ")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		n, _ := strconv.Atoi(result)
		if n < 5 || n > 9 {
			t.Fatalf("random(5,9) returned %d", n)
		}
	}
}

func TestFnRandom_InvalidArgs(t *testing.T) {
	s := &Scope{Rand: rand.New(rand.NewSource(3))}
	for _, args := range []string{"", "1", "a,2", "1,b", "9,1"} {
		if _, err := fnRandom(s, args); err == nil {
			t.Errorf("random(%s) should fail", args)
		}
	}
	if _, err := fnRandom(&Scope{}, "1,2"); err == nil {
		t.Error("random without a source should fail")
	}
}

func TestFnRandomString(t *testing.T) {
	s := &Scope{Rand: rand.New(rand.NewSource(3))}
	result, err := fnRandomString(s, "12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !regexp.MustCompile(`^[a-zA-Z0-9]{12}$`).MatchString(result) {
		t.Errorf("unexpected random string %q", result)
	}
	for _, args := range []string{"0", "1001", "x"} {
		if _, err := fnRandomString(s, args); err == nil {
			t.Errorf("random_string(%s) should fail", args)
		}
	}
}

func TestFnDate_EmptyFormat(t *testing.T) {
	s := &Scope{Now: time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)}
	result, err := fnDate(s, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "2024-01-15T08:00:00Z" {
		t.Errorf("expected RFC 3339 output, got %s", result)
	}
}
