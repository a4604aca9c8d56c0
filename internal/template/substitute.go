// Package template resolves ${...} placeholders in step values against the
// session being executed.
package template

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"strings"
	"time"
)

// varPattern matches ${var}, ${env:VAR} and ${fn(args)} placeholders.
var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Variables provides named values to substitute.
type Variables interface {
	Get(key string) (any, bool)
}

// Vars is a map-backed Variables.
type Vars map[string]any

func (v Vars) Get(key string) (any, bool) {
	val, ok := v[key]
	return val, ok
}

// Scope is everything a placeholder can refer to.
type Scope struct {
	Vars Variables
	// Now is the reference time for timestamp() and date().
	Now time.Time
	// Rand feeds uuid(), random() and random_string(). It is not safe for
	// concurrent use, so each session owns its own.
	Rand *rand.Rand
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Substitute replaces placeholders in text.
// Returns all errors joined if multiple placeholders cannot be resolved.
// If text contains no placeholders, it is returned unchanged (fast path).
func Substitute(text string, scope *Scope) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	var errs []error
	result := varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-1])

		if strings.HasPrefix(name, "env:") {
			envName := name[4:]
			lookup := scope.LookupEnv
			if lookup == nil {
				lookup = os.LookupEnv
			}
			if val, ok := lookup(envName); ok {
				return val
			}
			errs = append(errs, fmt.Errorf("env var %q not set", envName))
			return match
		}

		if val, isFunc, err := evalFunction(scope, name); isFunc {
			if err != nil {
				errs = append(errs, err)
				return match
			}
			return val
		}

		if scope.Vars != nil {
			if val, ok := scope.Vars.Get(name); ok {
				return fmt.Sprintf("%v", val)
			}
		}
		errs = append(errs, fmt.Errorf("variable %q not found", name))
		return match
	})

	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return result, nil
}
