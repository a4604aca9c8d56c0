package template

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var funcRegistry = map[string]func(s *Scope, args string) (string, error){
	"uuid":          fnUUID,
	"timestamp":     fnTimestamp,
	"timestamp_ms":  fnTimestampMs,
	"random":        fnRandom,
	"random_string": fnRandomString,
	"date":          fnDate,
}

// evalFunction evaluates a built-in function call.
// The bool result is false when expr is not a known function call.
func evalFunction(s *Scope, expr string) (string, bool, error) {
	parenIdx := strings.Index(expr, "(")
	if parenIdx == -1 || !strings.HasSuffix(expr, ")") {
		return "", false, nil
	}

	funcName := expr[:parenIdx]
	args := expr[parenIdx+1 : len(expr)-1]

	fn, ok := funcRegistry[funcName]
	if !ok {
		return "", false, nil
	}

	result, err := fn(s, args)
	if err != nil {
		return "", true, fmt.Errorf("function %s: %w", funcName, err)
	}
	return result, true, nil
}

func (s *Scope) now() time.Time {
	if s.Now.IsZero() {
		return time.Now()
	}
	return s.Now
}

func (s *Scope) intn(n int64) (int64, error) {
	if s.Rand == nil {
		return 0, fmt.Errorf("no random source")
	}
	return s.Rand.Int63n(n), nil
}

// fnUUID returns a v4 UUID drawn from the scope's random source.
func fnUUID(s *Scope, args string) (string, error) {
	if args != "" {
		return "", fmt.Errorf("uuid() takes no arguments")
	}
	if s.Rand == nil {
		return uuid.NewString(), nil
	}
	id, err := uuid.NewRandomFromReader(s.Rand)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// fnTimestamp returns the scope time as Unix seconds.
func fnTimestamp(s *Scope, args string) (string, error) {
	if args != "" {
		return "", fmt.Errorf("timestamp() takes no arguments")
	}
	return strconv.FormatInt(s.now().Unix(), 10), nil
}

func fnTimestampMs(s *Scope, args string) (string, error) {
	if args != "" {
		return "", fmt.Errorf("timestamp_ms() takes no arguments")
	}
	return strconv.FormatInt(s.now().UnixMilli(), 10), nil
}

// fnRandom generates a random integer between min and max (inclusive).
// Usage: random(min,max)
func fnRandom(s *Scope, args string) (string, error) {
	parts := strings.Split(args, ",")
	if len(parts) != 2 {
		return "", fmt.Errorf("random(min,max) requires exactly 2 arguments")
	}

	min, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid min value: %w", err)
	}
	max, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid max value: %w", err)
	}
	if min > max {
		return "", fmt.Errorf("min (%d) must be <= max (%d)", min, max)
	}

	n, err := s.intn(max - min + 1)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(min+n, 10), nil
}

// fnRandomString generates a random alphanumeric string of the given length.
// Usage: random_string(length)
func fnRandomString(s *Scope, args string) (string, error) {
	length, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil {
		return "", fmt.Errorf("invalid length: %w", err)
	}
	if length <= 0 || length > 1000 {
		return "", fmt.Errorf("length must be between 1 and 1000")
	}

	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := range result {
		n, err := s.intn(int64(len(charset)))
		if err != nil {
			return "", err
		}
		result[i] = charset[n]
	}
	return string(result), nil
}

// fnDate formats the scope time using Go's reference layout.
// Usage: date(2006-01-02); an empty layout means RFC 3339.
func fnDate(s *Scope, args string) (string, error) {
	format := strings.TrimSpace(args)
	if format == "" {
		format = time.RFC3339
	}
	return s.now().Format(format), nil
}
