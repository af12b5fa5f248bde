// Package testsupport loads table fixtures and compares golden files in
// tests across the module.
package testsupport

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/goliatone/go-query-cache/backend"
)

//go:embed school.json
var schoolJSON []byte

// Dataset maps table names to their rows.
type Dataset map[string][]backend.Row

// Tables returns the table names, sorted.
func (d Dataset) Tables() []string {
	out := make([]string, 0, len(d))
	for table := range d {
		out = append(out, table)
	}
	sort.Strings(out)
	return out
}

// Seed copies every table into m.
func (d Dataset) Seed(m *backend.Memory) {
	for table, rows := range d {
		m.Seed(table, rows...)
	}
}

// ParseDataset decodes a JSON object of table name to row list. Numbers
// decode as float64.
func ParseDataset(data []byte) (Dataset, error) {
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	return ds, nil
}

// School returns the bundled school dataset: two classes with a teacher,
// a lesson and an announcement each, and twelve students in class c1.
func School() Dataset {
	ds, err := ParseDataset(schoolJSON)
	if err != nil {
		panic(err)
	}
	return ds
}

// NewSchool returns a Memory backend seeded with School.
func NewSchool(opts ...backend.MemoryOption) *backend.Memory {
	m := backend.NewMemory(opts...)
	School().Seed(m)
	return m
}

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(t testing.TB, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}
	return data
}

// LoadDataset loads a dataset fixture file.
func LoadDataset(t testing.TB, path string) Dataset {
	t.Helper()

	ds, err := ParseDataset(LoadFixture(t, path))
	if err != nil {
		t.Fatalf("fixture %s: %v", path, err)
	}
	return ds
}

// SeedMemory returns a Memory backend seeded from the dataset fixture at path.
func SeedMemory(t testing.TB, path string, opts ...backend.MemoryOption) *backend.Memory {
	t.Helper()

	m := backend.NewMemory(opts...)
	LoadDataset(t, path).Seed(m)
	return m
}

// CompareGolden compares the indented JSON of actual with the golden file
// at path. A missing golden file is created from actual.
func CompareGolden(t testing.TB, path string, actual any) {
	t.Helper()

	data, err := json.MarshalIndent(actual, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal %s: %v", path, err)
	}
	data = append(data, '\n')

	expected, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		t.Logf("golden file %s does not exist, creating it", path)
		writeGolden(t, path, data)
		return
	}
	if err != nil {
		t.Fatalf("failed to read golden file %s: %v", path, err)
	}

	if !bytes.Equal(expected, data) {
		t.Errorf("output mismatch for %s:\nExpected:\n%s\nActual:\n%s", path, expected, data)
	}
}

func writeGolden(t testing.TB, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write golden file %s: %v", path, err)
	}
}

// FixturePath constructs a path to a fixture file in the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}

// GoldenPath constructs a path to a golden file in testdata/golden.
func GoldenPath(filename string) string {
	return filepath.Join("testdata", "golden", filename)
}
