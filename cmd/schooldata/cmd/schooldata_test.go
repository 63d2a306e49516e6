package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"schooldata/internal/credentials"
	"schooldata/internal/testutil"
	"schooldata/source"
)

const deedCSV = "District ID,District Name,School ID,School Name,PK,KG,01,02,Total,Male,Female\n" +
	"5,Anchorage School District,50010,Abbott Loop Elementary,12,60,58,61,191,95,96\n" +
	"5,Anchorage School District,50020,Airport Heights Elementary,,40,42,39,121,60,61\n" +
	"31,Juneau Borough Schools,310010,Auke Bay Elementary,8,35,33,30,106,50,56\n"

// testEnv is an isolated config, cache and keyring for one test.
type testEnv struct {
	t      *testing.T
	cfg    *Config
	mirror *testutil.Mirror
}

func newTestEnv(t *testing.T, extraYAML string) *testEnv {
	t.Helper()
	t.Setenv("SCHOOLDATA_AK_TOKEN", "")
	t.Setenv("SCHOOLDATA_OK_TOKEN", "")

	m := testutil.NewMirror(t)
	m.Serve("/ak/2022-2023/enrollment.csv", deedCSV)
	m.Serve("/ak/2023-2024/enrollment.csv", deedCSV)

	dir := t.TempDir()
	configYAML := fmt.Sprintf(`output_format: text
cache:
  ttl: 720h
http:
  max_retries: 0
  base_delay: 1ms
  timeout: 5s
states:
  ak:
    url_template: %s/ak/{start}-{year}/enrollment.csv
%s`, m.URL(), extraYAML)
	configPath := testutil.WriteConfig(t, dir, configYAML)

	return &testEnv{
		t: t,
		cfg: &Config{
			ConfigPath: configPath,
			CachePath:  filepath.Join(dir, "enrollment.db"),
			Keyring:    credentials.NewMemoryKeyring(),
		},
		mirror: m,
	}
}

// run executes the CLI and returns stdout, stderr and the exit code.
func (e *testEnv) run(args ...string) (string, string, int) {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(args, &stdout, &stderr, e.cfg)
	return stdout.String(), stderr.String(), code
}

// mustRun fails the test unless the command exits 0.
func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	stdout, stderr, code := e.run(args...)
	if code != 0 {
		e.t.Fatalf("%v: exit code %d\nstderr: %s\nstdout: %s", args, code, stderr, stdout)
	}
	return stdout
}

// --- Help and Version Tests ---

func TestHelpFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"--help"}, &stdout, &stderr, nil)

	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", exitCode, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"schooldata", "Usage:", "enr", "years", "credentials"} {
		if !strings.Contains(out, want) {
			t.Errorf("help output should contain %q, got: %s", want, out)
		}
	}
}

func TestVersionFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"--version"}, &stdout, &stderr, nil)

	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", exitCode, stderr.String())
	}
	if !strings.Contains(stdout.String(), source.Version) {
		t.Errorf("version output should contain %s, got: %s", source.Version, stdout.String())
	}
}

func TestVersionCommand(t *testing.T) {
	env := newTestEnv(t, "")
	out := env.mustRun("version")

	for _, want := range []string{"schooldata " + source.Version, "commit:", "AK", "Alaska", "OK", "Oklahoma"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output should contain %q, got: %s", want, out)
		}
	}
}

func TestVersionCommandJSON(t *testing.T) {
	env := newTestEnv(t, "")
	out := env.mustRun("version", "--json")

	var resp versionJSON
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if resp.Version != source.Version || len(resp.States) != 2 {
		t.Errorf("resp = %+v", resp)
	}
	for _, s := range resp.States {
		if s.Version == "" {
			t.Errorf("state %s has no version", s.State)
		}
	}
}

// --- Catalogue Tests ---

func TestStatesCommand(t *testing.T) {
	env := newTestEnv(t, "")
	out := env.mustRun("states")

	for _, want := range []string{"Alaska", "2012-2025", "Oklahoma", "2015-2025"} {
		if !strings.Contains(out, want) {
			t.Errorf("states output should contain %q, got: %s", want, out)
		}
	}
	if env.mirror.Requests() != 0 {
		t.Errorf("states made %d requests", env.mirror.Requests())
	}
}

func TestYearsCommand(t *testing.T) {
	env := newTestEnv(t, "")
	out := env.mustRun("years", "ak")

	lines := strings.Fields(out)
	if len(lines) != 14 || lines[0] != "2012" || lines[13] != "2025" {
		t.Errorf("years = %v", lines)
	}
}

func TestYearsHonoursMaxYear(t *testing.T) {
	env := newTestEnv(t, "    max_year: 2027\n")
	out := env.mustRun("years", "AK", "--json")

	var resp struct {
		State string `json:"state"`
		Years []int  `json:"years"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if resp.State != "AK" || resp.Years[len(resp.Years)-1] != 2027 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestYearsUnknownState(t *testing.T) {
	env := newTestEnv(t, "")
	_, stderr, code := env.run("years", "tx")

	testutil.AssertExitCode(t, code, 1)
	testutil.AssertContains(t, stderr, "Error:")
	testutil.AssertContains(t, stderr, "unknown state")
	testutil.AssertContains(t, stderr, "Suggestion: Supported states: AK, OK")
}

func TestErrorJSON(t *testing.T) {
	env := newTestEnv(t, "")
	stdout, _, code := env.run("years", "tx", "--json")

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	var resp errorResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if resp.Code != 1 || !strings.Contains(resp.Error, "unknown state") {
		t.Errorf("resp = %+v", resp)
	}
	if strings.Contains(resp.Error, "Suggestion:") || !strings.Contains(resp.Suggestion, "AK") {
		t.Errorf("suggestion should be separate: %+v", resp)
	}
}

// --- Enrollment Tests ---

func TestEnrTidyText(t *testing.T) {
	env := newTestEnv(t, "")
	out := env.mustRun("enr", "ak", "2024")

	for _, want := range []string{"Anchorage School District", "Abbott Loop Elementary", "Juneau Borough Schools", "418", "100.0%"} {
		testutil.AssertContains(t, out, want)
	}
	testutil.AssertNotContains(t, out, "\x1b[")
	if env.mirror.Requests() != 1 {
		t.Errorf("requests = %d, want 1", env.mirror.Requests())
	}
}

func TestEnrJSON(t *testing.T) {
	env := newTestEnv(t, "")
	out := env.mustRun("enr", "ak", "2024", "--json")

	var resp struct {
		Count   int             `json:"count"`
		Records []source.Record `json:"records"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if resp.Count == 0 || resp.Count != len(resp.Records) {
		t.Fatalf("count = %d, records = %d", resp.Count, len(resp.Records))
	}
	first := resp.Records[0]
	if !first.IsState || first.GradeLevel != source.GradeTotal || first.NStudents != 418 {
		t.Errorf("first record = %+v", first)
	}
}

func TestEnrWideCSV(t *testing.T) {
	env := newTestEnv(t, "")
	out := env.mustRun("enr", "ak", "2024", "--wide", "--format", "csv")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	// header, state, two districts, three schools
	if len(lines) != 7 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "end_year,") {
		t.Errorf("header = %s", lines[0])
	}
	if !strings.Contains(lines[3], "050010") {
		t.Errorf("line 3 should be Abbott Loop: %s", lines[3])
	}
}

func TestEnrDistrictFilter(t *testing.T) {
	env := newTestEnv(t, "")
	out := env.mustRun("enr", "ak", "2024", "--district", "31", "--json")

	var resp struct {
		Records []source.Record `json:"records"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Records) == 0 {
		t.Fatal("no records for district 31")
	}
	for _, r := range resp.Records {
		if r.DistrictID != "31" {
			t.Errorf("unexpected record %+v", r)
		}
	}
}

func TestEnrDistrictNotFound(t *testing.T) {
	env := newTestEnv(t, "")
	_, stderr, code := env.run("enr", "ak", "2024", "--district", "99", "--wide")

	if code != 1 || !strings.Contains(stderr, `no district "99"`) {
		t.Errorf("code = %d, stderr = %s", code, stderr)
	}
}

func TestEnrInvalidYear(t *testing.T) {
	env := newTestEnv(t, "")
	_, stderr, code := env.run("enr", "ak", "2023-24")

	if code != 1 || !strings.Contains(stderr, "invalid year: 2023-24") {
		t.Errorf("code = %d, stderr = %s", code, stderr)
	}
	if env.mirror.Requests() != 0 {
		t.Errorf("requests = %d, want 0", env.mirror.Requests())
	}
}

func TestEnrUnavailableYear(t *testing.T) {
	env := newTestEnv(t, "")
	_, stderr, code := env.run("enr", "ak", "2030")

	if code != 1 || !strings.Contains(stderr, "year not available") {
		t.Errorf("code = %d, stderr = %s", code, stderr)
	}
	if !strings.Contains(stderr, "schooldata years ak") {
		t.Errorf("stderr should suggest the years command: %s", stderr)
	}
	if env.mirror.Requests() != 0 {
		t.Errorf("requests = %d, want 0", env.mirror.Requests())
	}
}

func TestEnrInvalidFormat(t *testing.T) {
	env := newTestEnv(t, "")
	_, stderr, code := env.run("enr", "ak", "2024", "--format", "xml")

	if code != 1 || !strings.Contains(stderr, "unknown output format") {
		t.Errorf("code = %d, stderr = %s", code, stderr)
	}
}

func TestEnrSourceOffline(t *testing.T) {
	env := newTestEnv(t, "")
	env.mirror.FailWith(http.StatusServiceUnavailable)

	_, stderr, code := env.run("enr", "ak", "2024")

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "AK data source unreachable") || !strings.Contains(stderr, "Suggestion:") {
		t.Errorf("stderr = %s", stderr)
	}
}

func TestEnrUnauthorizedSuggestsToken(t *testing.T) {
	env := newTestEnv(t, "")
	env.mirror.FailWith(http.StatusUnauthorized)

	_, stderr, code := env.run("enr", "ak", "2024")

	if code != 1 || !strings.Contains(stderr, "schooldata credentials set ak") {
		t.Errorf("code = %d, stderr = %s", code, stderr)
	}
	if env.mirror.Requests() != 1 {
		t.Errorf("401 should not be retried, requests = %d", env.mirror.Requests())
	}
}

func TestEnrUsesCache(t *testing.T) {
	env := newTestEnv(t, "")

	first := env.mustRun("enr", "ak", "2024", "--json")
	second := env.mustRun("enr", "ak", "2024", "--json")

	if first != second {
		t.Error("cached output differs from downloaded output")
	}
	if env.mirror.Requests() != 1 {
		t.Errorf("requests = %d, want 1", env.mirror.Requests())
	}

	env.mustRun("enr", "ak", "2024", "--refresh")
	if env.mirror.Requests() != 2 {
		t.Errorf("--refresh should download again, requests = %d", env.mirror.Requests())
	}
}

func TestEnrNoCache(t *testing.T) {
	env := newTestEnv(t, "")

	env.mustRun("enr", "ak", "2024", "--no-cache")
	env.mustRun("enr", "ak", "2024", "--no-cache")

	if env.mirror.Requests() != 2 {
		t.Errorf("requests = %d, want 2", env.mirror.Requests())
	}
	if _, err := os.Stat(env.cfg.CachePath); !os.IsNotExist(err) {
		t.Error("--no-cache should not create the cache database")
	}
}

func TestEnrMultiRange(t *testing.T) {
	env := newTestEnv(t, "")

	single := env.mustRun("enr", "ak", "2024", "--json", "--no-cache")
	multi := env.mustRun("enr-multi", "ak", "2023-2024", "2024", "--json", "--no-cache")

	var one, many struct {
		Count   int             `json:"count"`
		Records []source.Record `json:"records"`
	}
	if err := json.Unmarshal([]byte(single), &one); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(multi), &many); err != nil {
		t.Fatal(err)
	}
	if many.Count != 2*one.Count {
		t.Fatalf("multi count = %d, want %d", many.Count, 2*one.Count)
	}
	if many.Records[0].EndYear != 2023 || many.Records[many.Count-1].EndYear != 2024 {
		t.Error("records should be in year order")
	}
}

func TestEnrMultiInvalidRange(t *testing.T) {
	env := newTestEnv(t, "")
	_, stderr, code := env.run("enr-multi", "ak", "2024-2020")

	if code != 1 || !strings.Contains(stderr, "invalid year") {
		t.Errorf("code = %d, stderr = %s", code, stderr)
	}
}

func TestMetricsFlag(t *testing.T) {
	env := newTestEnv(t, "")
	_, stderr, code := env.run("enr", "ak", "2024", "--metrics")

	if code != 0 {
		t.Fatalf("exit code = %d: %s", code, stderr)
	}
	for _, want := range []string{"schooldata_requests_total", `state="AK"`, "schooldata_cache_misses_total"} {
		if !strings.Contains(stderr, want) {
			t.Errorf("metrics should contain %s:\n%s", want, stderr)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	env := newTestEnv(t, "  tx:\n    max_year: 2030\n")
	_, stderr, code := env.run("years", "ak")

	if code != 1 || !strings.Contains(stderr, `unknown state in states: "tx"`) {
		t.Errorf("code = %d, stderr = %s", code, stderr)
	}
}

// --- Cache Command Tests ---

func TestCacheListAndClear(t *testing.T) {
	env := newTestEnv(t, "")

	out := env.mustRun("cache", "list")
	if !strings.Contains(out, "Cache is empty") {
		t.Errorf("empty cache output = %s", out)
	}

	env.mustRun("enr", "ak", "2024")
	out = env.mustRun("cache", "list")
	if !strings.Contains(out, "AK") || !strings.Contains(out, "2024") {
		t.Errorf("cache list = %s", out)
	}

	out = env.mustRun("cache", "clear", "ak")
	if !strings.Contains(out, "Removed 1 cached year(s) for AK") {
		t.Errorf("cache clear = %s", out)
	}

	env.mustRun("enr", "ak", "2024")
	if env.mirror.Requests() != 2 {
		t.Errorf("cleared year should be downloaded again, requests = %d", env.mirror.Requests())
	}
}

func TestCacheClearJSON(t *testing.T) {
	env := newTestEnv(t, "")
	env.mustRun("enr", "ak", "2024")

	out := env.mustRun("cache", "clear", "--json")
	if strings.TrimSpace(out) != `{"removed":1}` {
		t.Errorf("output = %s", out)
	}
}

func TestCacheListDisabled(t *testing.T) {
	env := newTestEnv(t, "")
	_, stderr, code := env.run("cache", "list", "--no-cache")

	if code != 1 || !strings.Contains(stderr, "cache is disabled") {
		t.Errorf("code = %d, stderr = %s", code, stderr)
	}
}

// --- Credentials Tests ---

func TestCredentialsLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	out := env.mustRun("credentials", "get", "ak")
	if !strings.Contains(out, "AK: no token") || !strings.Contains(out, "SCHOOLDATA_AK_TOKEN") {
		t.Errorf("get before set = %s", out)
	}

	out = env.mustRun("credentials", "set", "ak", "--token", "s3cret")
	if !strings.Contains(out, "Stored token for AK") {
		t.Errorf("set = %s", out)
	}

	out = env.mustRun("credentials", "get", "ak", "--json")
	if strings.TrimSpace(out) != `{"state":"AK","source":"keyring","found":true}` {
		t.Errorf("get --json = %s", out)
	}
	if strings.Contains(out, "s3cret") {
		t.Error("token must not be printed")
	}

	env.mustRun("enr", "ak", "2024")
	if got := env.mirror.LastHeader("Authorization"); got != "Bearer s3cret" {
		t.Errorf("Authorization = %q", got)
	}

	out = env.mustRun("credentials", "delete", "ak")
	if !strings.Contains(out, "Removed token for AK") {
		t.Errorf("delete = %s", out)
	}
	out = env.mustRun("credentials", "get", "ak")
	if !strings.Contains(out, "no token") {
		t.Errorf("get after delete = %s", out)
	}
}

func TestCredentialsSetFromStdin(t *testing.T) {
	env := newTestEnv(t, "")
	env.cfg.Stdin = strings.NewReader("piped-token\n")

	_, stderr, code := env.run("credentials", "set", "ok")
	if code != 0 {
		t.Fatalf("exit code = %d: %s", code, stderr)
	}
	if !strings.Contains(stderr, "Enter mirror token for OK") {
		t.Errorf("prompt should go to stderr: %s", stderr)
	}

	token, err := env.cfg.Keyring.Get(credentials.ServiceName, "OK")
	if err != nil || token != "piped-token" {
		t.Errorf("stored token = %q, %v", token, err)
	}
}

func TestCredentialsEnvironmentFallback(t *testing.T) {
	env := newTestEnv(t, "")
	t.Setenv("SCHOOLDATA_AK_TOKEN", "from-env")

	out := env.mustRun("credentials", "get", "ak")
	if !strings.Contains(out, "token found (environment)") {
		t.Errorf("get = %s", out)
	}
}

// --- Argument Parsing Tests ---

func TestParseYears(t *testing.T) {
	tests := []struct {
		args    []string
		want    []int
		wantErr bool
	}{
		{[]string{"2024"}, []int{2024}, false},
		{[]string{"2020-2022", "2024"}, []int{2020, 2021, 2022, 2024}, false},
		{[]string{" 2021 "}, []int{2021}, false},
		{[]string{"2022-2022"}, []int{2022}, false},
		{[]string{"24"}, nil, true},
		{[]string{"2024-"}, nil, true},
		{[]string{"2024-2020"}, nil, true},
		{[]string{"twenty"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, ","), func(t *testing.T) {
			got, err := parseYears(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("parseYears(%v) = %v, want %v", tt.args, got, tt.want)
			}
		})
	}
}

func TestFilterWide(t *testing.T) {
	rows := []source.Enrollment{
		{Type: source.TypeState},
		{Type: source.TypeDistrict, DistrictID: "72-I001"},
		{Type: source.TypeCampus, DistrictID: "72-I001", CampusID: "72-I001-105"},
		{Type: source.TypeDistrict, DistrictID: "14-I029"},
	}
	got := filterWide(rows, "72-i001")
	if len(got) != 2 || got[0].Type != source.TypeDistrict || got[1].CampusID != "72-I001-105" {
		t.Errorf("filterWide = %+v", got)
	}
}
