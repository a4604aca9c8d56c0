package template

import (
	"math/rand"
	"strings"
	"testing"
	"time"
)

func scope(vars Vars) *Scope {
	return &Scope{
		Vars: vars,
		Now:  time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC),
		Rand: rand.New(rand.NewSource(1)),
		LookupEnv: func(name string) (string, bool) {
			if name == "SHOP_COUPON" {
				return "SPRING24", true
			}
			return "", false
		},
	}
}

func TestSubstitute_NoPlaceholders(t *testing.T) {
	text := "plain text"
	result, err := Substitute(text, scope(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != text {
		t.Errorf("expected %q, got %q", text, result)
	}
}

func TestSubstitute_SessionVariables(t *testing.T) {
	vars := Vars{
		"user.email": "ana@acme.test",
		"account.id": "acme",
		"session.id": "s-1",
		"user.seats": 12.0,
	}

	result, err := Substitute("/a/${account.id}/u?e=${user.email}&s=${session.id}&n=${user.seats}", scope(vars))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "/a/acme/u?e=ana@acme.test&s=s-1&n=12"
	if result != expected {
		t.Errorf("expected %q, got %q", expected, result)
	}
}

func TestSubstitute_EnvironmentVariable(t *testing.T) {
	result, err := Substitute("code=${env:SHOP_COUPON}", scope(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "code=SPRING24" {
		t.Errorf("expected 'code=SPRING24', got %q", result)
	}
}

func TestSubstitute_MissingVariable(t *testing.T) {
	_, err := Substitute("hello ${user.name}", scope(Vars{}))
	if err == nil {
		t.Fatal("expected error for missing variable")
	}
	if !strings.Contains(err.Error(), `variable "user.name" not found`) {
		t.Errorf("expected error mentioning missing variable, got: %v", err)
	}
}

func TestSubstitute_MissingEnvVariable(t *testing.T) {
	_, err := Substitute("${env:NOPE}", scope(nil))
	if err == nil {
		t.Fatal("expected error for missing env var")
	}
	if !strings.Contains(err.Error(), `env var "NOPE" not set`) {
		t.Errorf("expected error mentioning missing env var, got: %v", err)
	}
}

func TestSubstitute_MultipleErrors(t *testing.T) {
	_, err := Substitute("${missing1} and ${missing2}", scope(nil))
	if err == nil {
		t.Fatal("expected errors for missing variables")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "missing1") || !strings.Contains(errStr, "missing2") {
		t.Errorf("expected both missing variables in error, got: %v", err)
	}
}

func TestSubstitute_FunctionsUseScopeTime(t *testing.T) {
	result, err := Substitute("${date(2006-01-02)} ${timestamp()}", scope(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "2024-03-09 1709994600" {
		t.Errorf("unexpected result %q", result)
	}
}

func TestSubstitute_SeededFunctionsAreReproducible(t *testing.T) {
	text := "${uuid()}/${random(1,1000)}/${random_string(8)}"
	first, err := Substitute(text, scope(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := Substitute(text, scope(nil))
	if first != second {
		t.Errorf("same seed gave %q and %q", first, second)
	}
}

func TestSubstitute_UnknownFunctionIsVariableLookup(t *testing.T) {
	_, err := Substitute("${shout(hi)}", scope(nil))
	if err == nil || !strings.Contains(err.Error(), `variable "shout(hi)" not found`) {
		t.Errorf("expected missing variable error, got %v", err)
	}
}
