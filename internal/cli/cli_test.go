package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"hearth/internal/config"
	"hearth/internal/core"
	"hearth/internal/durable"
	"hearth/internal/export"
	"hearth/internal/infra/persistence/memory"
	"hearth/internal/migration"
	"hearth/internal/server"
	"hearth/pkg/slices"
)

type harness struct {
	t      *testing.T
	dir    string
	config string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`[storage]
driver = "sqlite"
path = %q

[blob]
driver = "fs"
root = %q

[log]
level = "error"

[metrics]
backend = "none"
`, filepath.Join(dir, "hearth.db"), filepath.Join(dir, "blobs"))
	path := filepath.Join(dir, "hearth.toml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return &harness{t: t, dir: dir, config: path}
}

func (h *harness) run(args ...string) (string, string, int) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	code := Execute(context.Background(), "test", append([]string{"--config", h.config}, args...), &out, &errOut)
	return out.String(), errOut.String(), code
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, errOut, code := h.run(args...)
	if code != ExitOK {
		h.t.Fatalf("%v exited %d: %s", args, code, errOut)
	}
	return out
}

// runWith executes args against Apps built with extra options.
func (h *harness) runWith(opts []core.Option, args ...string) (string, string, int) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	root := newRoot("test", &globals{out: &out, errOut: &errOut, appOpts: opts})
	root.SetArgs(append([]string{"--config", h.config}, args...))
	err := root.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(&errOut, "Error:", err)
	}
	return out.String(), errOut.String(), ExitCode(err)
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("version")
	if want := fmt.Sprintf("hearth test (schema v%d)", slices.SchemaVersion); strings.TrimSpace(out) != want {
		t.Fatalf("version = %q, want %q", out, want)
	}
}

func TestSetThenGet(t *testing.T) {
	h := newHarness(t)
	h.mustRun("set", "tasks", `[{"id":1,"text":"water plants"}]`)

	var tasks []map[string]any
	if err := json.Unmarshal([]byte(h.mustRun("get", "tasks", "-o", "json")), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0]["text"] != "water plants" {
		t.Fatalf("tasks = %v", tasks)
	}

	var fromYAML []map[string]any
	if err := yaml.Unmarshal([]byte(h.mustRun("get", "tasks", "--format", "yaml")), &fromYAML); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if len(fromYAML) != 1 || fromYAML[0]["text"] != "water plants" {
		t.Fatalf("yaml tasks = %v", fromYAML)
	}

	if text := h.mustRun("get", "tasks"); !strings.Contains(text, `"text": "water plants"`) {
		t.Fatalf("text output %q", text)
	}
}

func TestSetFromFile(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "habits.json")
	if err := os.WriteFile(path, []byte(`[{"id":7,"name":"Stretch"}]`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	h.mustRun("set", "habits", "--file", path)
	if out := h.mustRun("get", "habits"); !strings.Contains(out, "Stretch") {
		t.Fatalf("habits = %q", out)
	}
}

func TestSetReportsFailedDurableWrite(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name     string
		writeErr error
		want     int
	}{
		{name: "put succeeds", want: ExitOK},
		{name: "put rejected", writeErr: errors.New("disk full"), want: ExitFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := memory.NewDevice(t.Name())
			dev.FailWrites(tc.writeErr)
			_, errOut, code := h.runWith([]core.Option{core.WithConnector(dev)}, "set", "tasks", `[{"id":1,"text":"a"}]`)
			if code != tc.want {
				t.Fatalf("exit %d, want %d: %s", code, tc.want, errOut)
			}
			if tc.writeErr != nil && !strings.Contains(errOut, "disk full") {
				t.Fatalf("stderr %q", errOut)
			}
		})
	}
	if got := ExitCode(fmt.Errorf("persist tasks: %w", durable.ErrWriteFailed)); got != ExitFailure {
		t.Fatalf("write failure maps to exit %d", got)
	}
}

func TestExitCodes(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "unknown slice", args: []string{"get", "nope"}, want: ExitUsage},
		{name: "shape mismatch", args: []string{"set", "tasks", `{"id":1}`}, want: ExitUsage},
		{name: "malformed value", args: []string{"set", "tasks", `[{`}, want: ExitUsage},
		{name: "missing value", args: []string{"set", "tasks"}, want: ExitUsage},
		{name: "bad format", args: []string{"slices", "-o", "xml"}, want: ExitUsage},
		{name: "absent slice", args: []string{"get", "habits"}, want: ExitFailure},
		{name: "migrate without source", args: []string{"migrate"}, want: ExitUsage},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, errOut, code := h.run(tc.args...); code != tc.want {
				t.Fatalf("exit %d, want %d: %s", code, tc.want, errOut)
			}
		})
	}
	if _, errOut, _ := h.run("get", "habits"); !strings.Contains(errOut, ErrAbsent.Error()) {
		t.Fatalf("stderr %q", errOut)
	}
}

func TestUnavailableStorage(t *testing.T) {
	h := newHarness(t)
	blocker := filepath.Join(h.dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	db := filepath.Join(blocker, "hearth.db")

	if _, _, code := h.run("--db", db, "get", "tasks"); code != ExitUnavailable {
		t.Fatalf("get exit %d, want %d", code, ExitUnavailable)
	}
	out, _, code := h.run("--db", db, "status", "-o", "json")
	if code != ExitUnavailable {
		t.Fatalf("status exit %d", code)
	}
	var st server.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !st.Degraded || st.Error == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestSlicesListing(t *testing.T) {
	h := newHarness(t)
	h.mustRun("set", "settings", `{"darkMode":true}`)

	var entries []server.SliceEntry
	if err := json.Unmarshal([]byte(h.mustRun("slices", "-o", "json")), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != len(slices.Catalog()) {
		t.Fatalf("%d entries", len(entries))
	}
	for _, e := range entries {
		if e.Present != (e.Key == slices.KeySettings) {
			t.Fatalf("%s present = %v", e.Key, e.Present)
		}
	}
	text := h.mustRun("slices")
	if !strings.HasPrefix(text, "SLICE") || !strings.Contains(text, "settings") {
		t.Fatalf("table %q", text)
	}
}

func TestMigrateOnce(t *testing.T) {
	h := newHarness(t)
	legacyPath := filepath.Join(h.dir, "legacy.json")
	doc, _ := json.Marshal(map[string]string{
		"tasks":  `{"data":[{"id":1,"text":"from legacy"}]}`,
		"habits": `not-json{`,
		// older app versions used string ids
		"shoppingItems": `[{"id":"s-1","name":"milk"}]`,
	})
	if err := os.WriteFile(legacyPath, doc, 0o600); err != nil {
		t.Fatal(err)
	}

	var report migration.Report
	if err := json.Unmarshal([]byte(h.mustRun("--legacy", legacyPath, "migrate", "-o", "json")), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.AlreadyComplete || len(report.Migrated) != 2 || report.Migrated[0] != slices.KeyTasks {
		t.Fatalf("first report %+v", report)
	}
	if len(report.Nonconforming) != 1 || report.Nonconforming[0] != slices.KeyShoppingItems {
		t.Fatalf("nonconforming %+v", report.Nonconforming)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Key != slices.KeyHabits || report.Skipped[0].Reason == "" {
		t.Fatalf("skipped %+v", report.Skipped)
	}

	if out := h.mustRun("--legacy", legacyPath, "migrate"); !strings.Contains(out, "already complete") {
		t.Fatalf("second run %q", out)
	}
	if out := h.mustRun("get", "tasks"); !strings.Contains(out, "from legacy") {
		t.Fatalf("tasks %q", out)
	}
	if out := h.mustRun("get", "shoppingItems"); !strings.Contains(out, `"s-1"`) {
		t.Fatalf("shoppingItems %q", out)
	}
}

func TestExportCommands(t *testing.T) {
	h := newHarness(t)
	h.mustRun("set", "tasks", `[{"id":1,"text":"back me up"}]`)

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(h.mustRun("export")), &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if _, ok := doc["tasks"]; !ok {
		t.Fatalf("export missing tasks: %v", doc)
	}

	file := filepath.Join(h.dir, "backup.json")
	h.mustRun("export", "--output-file", file)
	b, err := os.ReadFile(file)
	if err != nil || !bytes.Contains(b, []byte("back me up")) {
		t.Fatalf("backup file %q: %v", b, err)
	}

	var art export.Artifact
	if err := json.Unmarshal([]byte(h.mustRun("export", "publish", "-o", "json")), &art); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if !strings.HasPrefix(art.Key, export.Prefix) {
		t.Fatalf("artifact key %q", art.Key)
	}
	if _, err := os.Stat(filepath.Join(h.dir, "blobs", filepath.FromSlash(art.Key))); err != nil {
		t.Fatalf("artifact not on disk: %v", err)
	}

	var arts []export.Artifact
	if err := json.Unmarshal([]byte(h.mustRun("export", "list", "-o", "json")), &arts); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(arts) != 1 || arts[0].ID != art.ID {
		t.Fatalf("list = %+v", arts)
	}
}

func TestExitCodeMapping(t *testing.T) {
	wrapped := fmt.Errorf("load: %w", config.ErrInvalid)
	if got := ExitCode(wrapped); got != ExitUsage {
		t.Fatalf("config error = %d", got)
	}
	if got := ExitCode(&ExitError{Code: 9, Err: errors.New("x")}); got != 9 {
		t.Fatalf("explicit code = %d", got)
	}
	if got := ExitCode(errors.New("boom")); got != ExitFailure {
		t.Fatalf("plain error = %d", got)
	}
	if ExitCode(nil) != ExitOK {
		t.Fatalf("nil error should exit 0")
	}
}
