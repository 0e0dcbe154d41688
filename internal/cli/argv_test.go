package cli

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/Paintersrp/sidecar/internal/config"
)

func TestArgvDefaultInvocation(t *testing.T) {
	stdout, _, err := executeCommand(t, nil, "argv")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	want := config.DefaultRuntime + " -m uvicorn app.main:app --host 127.0.0.1 --port 8001 --log-level error --no-access-log\n"
	if stdout != want {
		t.Fatalf("unexpected argv: got %q want %q", stdout, want)
	}
}

func TestArgvJSONWithOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(),
		"backend:",
		"  module: api.server:app",
		"  port: 9100",
		"  accessLog: true",
	)
	t.Setenv(envRuntime, "/opt/python 3/bin/python")

	cmd := NewRootCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"argv", "--json", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	var argv []string
	if err := json.Unmarshal([]byte(out.String()), &argv); err != nil {
		t.Fatalf("decode argv: %v", err)
	}
	want := []string{"/opt/python 3/bin/python", "-m", "uvicorn", "api.server:app", "--host", "127.0.0.1", "--port", "9100", "--log-level", "error"}
	if strings.Join(argv, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected argv: %v", argv)
	}
}

func TestShellJoinQuotesArguments(t *testing.T) {
	got := shellJoin([]string{"/opt/python 3/bin/python", "-m", "uvicorn", ""})
	want := `"/opt/python 3/bin/python" -m uvicorn ""`
	if got != want {
		t.Fatalf("unexpected join: got %q want %q", got, want)
	}
}
