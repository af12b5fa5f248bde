package testsupport

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/goliatone/go-query-cache/backend"
)

func TestSchool(t *testing.T) {
	ds := School()

	want := []string{"announcement", "assignment", "attendance", "class", "event", "exam", "lesson", "parent", "result", "student", "subject", "teacher"}
	if got := ds.Tables(); !reflect.DeepEqual(got, want) {
		t.Fatalf("tables = %v, want %v", got, want)
	}
	if n := len(ds["student"]); n != 12 {
		t.Errorf("students = %d, want 12", n)
	}
}

func TestSchoolIsACopy(t *testing.T) {
	a := School()
	a["class"][0]["name"] = "changed"

	if School()["class"][0]["name"] != "1A" {
		t.Error("School() should return a fresh dataset")
	}
}

func TestNewSchool(t *testing.T) {
	m := NewSchool()

	res, err := m.Select(context.Background(), backend.Query{
		Table:   "student",
		Filters: []backend.Filter{backend.Eq("class_id", "c1")},
		Range:   backend.Range{Limit: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 12 || len(res.Rows) != 5 {
		t.Errorf("count = %d rows = %d", res.Count, len(res.Rows))
	}
}

func TestSeedMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.json")
	content := `{"class":[{"id":"c9","name":"9Z"}],"exam":[]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := SeedMemory(t, path)

	res, err := m.Select(context.Background(), backend.Query{Table: "class"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 1 || res.Rows[0]["name"] != "9Z" {
		t.Errorf("class rows = %+v", res.Rows)
	}

	// an empty table is still known
	if _, err := m.Select(context.Background(), backend.Query{Table: "exam"}); err != nil {
		t.Errorf("empty table: %v", err)
	}
}

func TestParseDataset_Malformed(t *testing.T) {
	_, err := ParseDataset([]byte(`{"class": {}}`))
	if err == nil || !strings.Contains(err.Error(), "parse dataset") {
		t.Errorf("err = %v", err)
	}
}

func TestCompareGolden(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden", "view.json")
	view := map[string]any{"state": "table", "count": 12}

	// first run writes the file
	CompareGolden(t, path, view)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"count": 12`) {
		t.Errorf("golden = %s", data)
	}

	// second run compares against it
	CompareGolden(t, path, view)
}

func TestPaths(t *testing.T) {
	if got := FixturePath("school.json"); got != filepath.Join("testdata", "school.json") {
		t.Errorf("FixturePath = %q", got)
	}
	if got := GoldenPath("view.json"); got != filepath.Join("testdata", "golden", "view.json") {
		t.Errorf("GoldenPath = %q", got)
	}
}
