package data

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"backfill/internal/workflow"
)

func TestParseCSV(t *testing.T) {
	content := `account_id,user_count,plan,seats,trial
acme,3,enterprise,250,false
globex,2,starter,,true`

	accounts, err := ParseCSV([]byte(content))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accounts))
	}

	acme := accounts[0]
	if acme.ID != "acme" || acme.UserCount != 3 {
		t.Errorf("acme = %+v", acme)
	}
	if !acme.Attributes["plan"].Equal(workflow.String("enterprise")) {
		t.Errorf("plan = %v, want enterprise", acme.Attributes["plan"])
	}
	if !acme.Attributes["seats"].Equal(workflow.Number(250)) {
		t.Errorf("seats = %v, want number 250", acme.Attributes["seats"])
	}
	if !acme.Attributes["trial"].Equal(workflow.Bool(false)) {
		t.Errorf("trial = %v, want bool false", acme.Attributes["trial"])
	}

	if _, ok := accounts[1].Attributes["seats"]; ok {
		t.Error("empty cell should be omitted")
	}
}

func TestParseCSV_Errors(t *testing.T) {
	tests := map[string]string{
		"header only":        "account_id,user_count",
		"missing user_count": "account_id,plan\nacme,pro",
		"bad user_count":     "account_id,user_count\nacme,many",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseCSV([]byte(content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFile_JSON(t *testing.T) {
	dir := t.TempDir()
	content := `[{"account_id": "acme", "user_count": 4, "attributes": {"plan": "pro"}}]`
	if err := os.WriteFile(filepath.Join(dir, "roster.json"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	accounts, err := LoadFile("roster.json", dir)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(accounts) != 1 || accounts[0].UserCount != 4 {
		t.Fatalf("accounts = %+v", accounts)
	}
	if !accounts[0].Attributes["plan"].Equal(workflow.String("pro")) {
		t.Errorf("plan = %v", accounts[0].Attributes["plan"])
	}
}

func TestLoadFile_UnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.txt")
	if err := os.WriteFile(path, []byte("acme"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path, ""); err == nil {
		t.Error("expected error for .txt roster")
	}
}

func TestMergeAccounts(t *testing.T) {
	raw := []byte(`{"workflow_name":"w","accounts":[{"account_id":"acme","user_count":1},{"account_id":"initech","user_count":5}]}`)
	roster := []workflow.Account{
		{ID: "acme", UserCount: 9},
		{ID: "globex", UserCount: 2},
	}

	merged, err := MergeAccounts(raw, roster)
	if err != nil {
		t.Fatalf("MergeAccounts: %v", err)
	}

	var doc struct {
		Name     string             `json:"workflow_name"`
		Accounts []workflow.Account `json:"accounts"`
	}
	if err := json.Unmarshal(merged, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Name != "w" {
		t.Errorf("workflow_name = %q, other fields must survive", doc.Name)
	}
	want := []struct {
		id    string
		count int
	}{{"acme", 9}, {"initech", 5}, {"globex", 2}}
	if len(doc.Accounts) != len(want) {
		t.Fatalf("got %d accounts, want %d", len(doc.Accounts), len(want))
	}
	for i, w := range want {
		if doc.Accounts[i].ID != w.id || doc.Accounts[i].UserCount != w.count {
			t.Errorf("accounts[%d] = %+v, want %s/%d", i, doc.Accounts[i], w.id, w.count)
		}
	}
}

func TestMergeAccounts_NotAnObject(t *testing.T) {
	if _, err := MergeAccounts([]byte(`[1,2]`), nil); err == nil {
		t.Error("expected error for non-object document")
	}
}
