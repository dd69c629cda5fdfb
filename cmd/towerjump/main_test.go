package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleCSV = "LocalDateTime,Latitude,Longitude,State\n" +
	"01/05/24 10:00,40.71,-74.00,NY\n" +
	"01/05/24 10:01,40.72,-74.01,NY\n" +
	"01/05/24 10:02,40.73,-74.10,NJ\n" +
	"01/05/24 10:03,40.74,-74.11,NJ\n" +
	"01/05/24 10:04,40.75,-74.02,NY\n"

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trip.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCSVOutput(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"-i", writeSample(t), "-format", "csv", "-stats"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected header plus 5 rows, got %d", len(lines))
	}
	if lines[2] != "2024-01-05T09:51:00,2024-01-05T10:11:00,NY,yes,0.6" {
		t.Fatalf("unexpected row %q", lines[2])
	}
	if !strings.Contains(errOut.String(), `"jump_count": 3`) {
		t.Fatalf("expected stats on stderr, got %s", errOut.String())
	}
}

func TestRunCurrentAwarePolicy(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"-i", writeSample(t), "-policy", "current-aware"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	if !strings.HasPrefix(out.String(), "[\n") {
		t.Fatalf("expected json array, got %s", out.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"-i", "x.csv", "-format", "xml"},
		{"-i", "x.csv", "-policy", "sideways"},
	}
	for _, args := range cases {
		var out, errOut bytes.Buffer
		if code := run(args, &out, &errOut); code != 2 {
			t.Fatalf("args %v: expected exit 2, got %d", args, code)
		}
	}
	var out, errOut bytes.Buffer
	if code := run([]string{"-i", filepath.Join(t.TempDir(), "missing.csv")}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1 for missing file, got %d", code)
	}
}
