// Package data loads account rosters that populate a workflow's accounts.
package data

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"backfill/internal/workflow"
)

const (
	colAccountID = "account_id"
	colUserCount = "user_count"
)

// LoadFile loads a roster (CSV or JSON) from path. Relative paths resolve
// against baseDir.
func LoadFile(path, baseDir string) ([]workflow.Account, error) {
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var accounts []workflow.Account
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		accounts, err = ParseCSV(data)
	case ".json":
		accounts, err = ParseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported roster format %q (use .csv or .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("roster %s is empty", path)
	}
	return accounts, nil
}

// ParseCSV reads a roster whose header is account_id,user_count followed by
// attribute columns. Attribute cells holding numbers or booleans keep that
// type; empty cells are omitted.
func ParseCSV(data []byte) ([]workflow.Account, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("CSV must have header row and at least one data row")
	}

	headers := records[0]
	idCol, countCol := -1, -1
	for i, h := range headers {
		switch strings.TrimSpace(h) {
		case colAccountID:
			idCol = i
		case colUserCount:
			countCol = i
		}
	}
	if idCol < 0 || countCol < 0 {
		return nil, fmt.Errorf("CSV header must name %s and %s", colAccountID, colUserCount)
	}

	accounts := make([]workflow.Account, 0, len(records)-1)
	for line, record := range records[1:] {
		acc := workflow.Account{ID: strings.TrimSpace(record[idCol])}
		n, err := strconv.Atoi(strings.TrimSpace(record[countCol]))
		if err != nil {
			return nil, fmt.Errorf("row %d: %s: %w", line+2, colUserCount, err)
		}
		acc.UserCount = n
		for i, h := range headers {
			if i == idCol || i == countCol || i >= len(record) || record[i] == "" {
				continue
			}
			if acc.Attributes == nil {
				acc.Attributes = workflow.Attributes{}
			}
			acc.Attributes[strings.TrimSpace(h)] = cell(record[i])
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func cell(s string) workflow.Scalar {
	if s == "true" || s == "false" {
		return workflow.Bool(s == "true")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return workflow.Number(f)
	}
	return workflow.String(s)
}

// ParseJSON reads a roster stored as an array of account objects.
func ParseJSON(data []byte) ([]workflow.Account, error) {
	var accounts []workflow.Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("JSON must be an array of accounts: %w", err)
	}
	return accounts, nil
}

// MergeAccounts adds accounts to a raw workflow document before validation.
// An account whose id already appears in the document replaces it in place;
// new ids are appended in roster order.
func MergeAccounts(raw []byte, accounts []workflow.Account) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("workflow document is not a JSON object: %w", err)
	}

	var existing []map[string]any
	if v, ok := doc["accounts"].([]any); ok {
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				existing = append(existing, m)
			}
		}
	}

	index := make(map[string]int, len(existing))
	merged := make([]any, 0, len(existing)+len(accounts))
	for _, m := range existing {
		if id, ok := m[colAccountID].(string); ok {
			index[id] = len(merged)
		}
		merged = append(merged, m)
	}
	for _, acc := range accounts {
		if i, ok := index[acc.ID]; ok {
			merged[i] = acc
			continue
		}
		index[acc.ID] = len(merged)
		merged = append(merged, acc)
	}

	doc["accounts"] = merged
	return json.Marshal(doc)
}
