package session

import (
	"reflect"
	"strings"
	"testing"

	"rvl/internal/wire"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name      string
		vm        wire.StartVM
		wantPath  string
		wantArgs  []string
		wantEnv   []string
		wantDebug int
	}{
		{
			name:      "plain",
			vm:        wire.StartVM{WorkerArgs: []string{"-d", "2", "main"}},
			wantPath:  "/usr/bin/rvl",
			wantArgs:  []string{"worker", "-d", "2", "main", "41000"},
			wantDebug: 2,
		},
		{
			name:      "vm args and env knobs",
			vm:        wire.StartVM{VMArgs: []string{"GOGC=50", "-trace", "GOMEMLIMIT=1GiB"}},
			wantPath:  "/usr/bin/rvl",
			wantArgs:  []string{"-trace", "worker", "41000"},
			wantEnv:   []string{"GOGC=50", "GOMEMLIMIT=1GiB"},
			wantDebug: -1,
		},
		{
			name:     "debugger, running",
			vm:       wire.StartVM{DebugPort: 2345},
			wantPath: "dlv",
			wantArgs: []string{
				"exec", "--headless", "--api-version=2", "--listen=:2345",
				"--continue", "--accept-multiclient",
				"/usr/bin/rvl", "--", "worker", "41000",
			},
			wantDebug: -1,
		},
		{
			name:     "debugger, suspended",
			vm:       wire.StartVM{DebugPort: 2345, Suspend: true, VMArgs: []string{"-d", "x"}},
			wantPath: "dlv",
			wantArgs: []string{
				"exec", "--headless", "--api-version=2", "--listen=:2345",
				"/usr/bin/rvl", "--", "-d", "x", "worker", "41000",
			},
			wantDebug: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildCommand("/usr/bin/rvl", "dlv", 41000, &tt.vm)
			if got.Path != tt.wantPath {
				t.Errorf("path = %q, want %q", got.Path, tt.wantPath)
			}
			if !reflect.DeepEqual(got.Args, tt.wantArgs) {
				t.Errorf("args = %q\nwant %q", got.Args, tt.wantArgs)
			}
			if !reflect.DeepEqual(got.Env, tt.wantEnv) {
				t.Errorf("env = %q, want %q", got.Env, tt.wantEnv)
			}
			if got.ClientDebug != tt.wantDebug {
				t.Errorf("client debug = %d, want %d", got.ClientDebug, tt.wantDebug)
			}
		})
	}
}

func TestWorkerCommand_String(t *testing.T) {
	c := WorkerCommand{Path: "/opt/my tools/rvl", Args: []string{"worker", "a b", "1"}, Env: []string{"GOGC=5"}}
	s := c.String()
	if !strings.HasPrefix(s, "GOGC=5 ") || !strings.Contains(s, `"/opt/my tools/rvl"`) || !strings.Contains(s, `"a b"`) {
		t.Errorf("String() = %s", s)
	}
}
