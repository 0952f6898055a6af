package coverage

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const profileA = `mode: count
store/conn.go:10.2,12.16 2 1
store/conn.go:14.2,14.9 1 0
store/query.go:5.1,9.2 3 4
`

const profileB = `mode: count
store/conn.go:10.2,12.16 2 3
store/conn.go:14.2,14.9 1 2
`

func mustParse(t *testing.T, text string) *Profile {
	t.Helper()
	p, err := Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	return p
}

func TestParseProfile(t *testing.T) {
	p := mustParse(t, profileA)
	if p.Mode != ModeCount {
		t.Errorf("mode = %q, want count", p.Mode)
	}
	if len(p.Blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(p.Blocks))
	}
	b := p.Blocks[0]
	if b.File != "store/conn.go" || b.StartLine != 10 || b.EndCol != 16 || b.NumStmt != 2 || b.Count != 1 {
		t.Errorf("unexpected first block: %+v", b)
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"missing header": "store/conn.go:1.1,2.2 1 1\n",
		"bad mode":       "mode: sometimes\n",
		"bad block":      "mode: set\nnonsense\n",
		"empty":          "",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(input)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestAccumulatorSumsCountMode(t *testing.T) {
	acc := NewAccumulator()
	if err := acc.Add(mustParse(t, profileA)); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := acc.Add(mustParse(t, profileB)); err != nil {
		t.Fatalf("second Add: %v", err)
	}

	var out strings.Builder
	if err := acc.WriteProfile(&out); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	want := `mode: count
store/conn.go:10.2,12.16 2 4
store/conn.go:14.2,14.9 1 2
store/query.go:5.1,9.2 3 4
`
	if out.String() != want {
		t.Errorf("merged profile:\n%s\nwant:\n%s", out.String(), want)
	}
}

func TestAccumulatorORsSetMode(t *testing.T) {
	acc := NewAccumulator()
	first := "mode: set\na.go:1.1,2.2 2 0\na.go:3.1,4.2 1 1\n"
	second := "mode: set\na.go:1.1,2.2 2 1\na.go:3.1,4.2 1 0\n"
	if err := acc.Add(mustParse(t, first)); err != nil {
		t.Fatal(err)
	}
	if err := acc.Add(mustParse(t, second)); err != nil {
		t.Fatal(err)
	}
	report := acc.Report()
	if report.Covered != 3 || report.Statements != 3 {
		t.Errorf("covered/statements = %d/%d, want 3/3", report.Covered, report.Statements)
	}
}

func TestAccumulatorRejectsModeConflict(t *testing.T) {
	acc := NewAccumulator()
	if err := acc.Add(mustParse(t, profileA)); err != nil {
		t.Fatal(err)
	}
	err := acc.Add(mustParse(t, "mode: set\na.go:1.1,2.2 1 1\n"))
	if err == nil || !strings.Contains(err.Error(), "conflicts") {
		t.Fatalf("expected mode conflict error, got %v", err)
	}
}

func TestReportTotals(t *testing.T) {
	acc := NewAccumulator()
	if err := acc.Add(mustParse(t, profileA)); err != nil {
		t.Fatal(err)
	}
	report := acc.Report()
	if len(report.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(report.Files))
	}
	// conn.go: 2 of 3 statements covered; query.go: 3 of 3.
	if report.Statements != 6 || report.Covered != 5 {
		t.Errorf("totals = %d/%d, want 5/6", report.Covered, report.Statements)
	}
	if math.Abs(report.Percent-83.333) > 0.01 {
		t.Errorf("percent = %.3f, want ~83.333", report.Percent)
	}
	if report.Files[0].Name != "store/conn.go" {
		t.Errorf("files not sorted: %v", report.Files)
	}
}

func TestAddGlobs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cover-a.out"), []byte(profileA), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cover-b.out"), []byte(profileB), 0o644); err != nil {
		t.Fatal(err)
	}

	acc := NewAccumulator()
	added, err := acc.AddGlobs(dir, []string{"cover-*.out", "missing-*.out"})
	if err != nil {
		t.Fatalf("AddGlobs: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}
	if acc.Empty() {
		t.Error("accumulator should not be empty")
	}
}
