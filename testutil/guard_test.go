package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestPredicates(t *testing.T) {
	only := OnlyModuleImports("hearth/pkg/domain")
	cases := []struct {
		name string
		pred func(string) bool
		in   string
		want bool
	}{
		{"internal", InternalImportForbidden, "hearth/internal/state", true},
		{"internal other module", InternalImportForbidden, "example.com/mod/internal/x", true},
		{"pkg", InternalImportForbidden, "hearth/pkg/slices", false},
		{"engine", EngineImportForbidden, "hearth/internal/infra/persistence/bolt", true},
		{"blob infra", EngineImportForbidden, "hearth/internal/infra/blob/fs", false},
		{"allowed", only, "hearth/pkg/domain", false},
		{"not allowed", only, "hearth/pkg/slices", true},
		{"third party", only, "go.etcd.io/bbolt", false},
		{"any of", AnyOf(EngineImportForbidden, only), "hearth/internal/infra/persistence/sqlite", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.pred(c.in); got != c.want {
				t.Fatalf("%q = %v, want %v", c.in, got, c.want)
			}
		})
	}
}

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	src := "package x\n\nimport (\n\t\"fmt\"\n\t\"hearth/internal/state\"\n)\n\nvar _ = fmt.Sprint\n"
	if err := os.WriteFile(filepath.Join(dir, "x.go"), []byte(src), 0o600); err != nil {
		t.Fatal(err)
	}
	test := "package x\n\nimport _ \"hearth/internal/durable\"\n"
	if err := os.WriteFile(filepath.Join(dir, "x_test.go"), []byte(test), 0o600); err != nil {
		t.Fatal(err)
	}
	viols, err := directImportViolations(dir, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "hearth/internal/state (in x.go)" {
		t.Fatalf("violations = %v", viols)
	}

	var rec recordingFatal
	failIfDirectViolations(&rec, "layering", viols)
	if rec.msg == "" {
		t.Fatalf("expected failure message")
	}
	rec = recordingFatal{}
	failIfDirectViolations(&rec, "layering", nil)
	if rec.msg != "" {
		t.Fatalf("unexpected failure %q", rec.msg)
	}
	if _, err := directImportViolations(filepath.Join(dir, "missing"), InternalImportForbidden); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
