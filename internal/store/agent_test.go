package store

import (
	"testing"
)

func TestBuildAgentUpdate(t *testing.T) {
	cfg := []byte(`{"a":1}`)
	mem := []byte(`{"b":2}`)

	tests := []struct {
		name     string
		config   []byte
		memory   []byte
		wantSQL  string
		wantArgs int
	}{
		{
			name:     "both dirty",
			config:   cfg,
			memory:   mem,
			wantSQL:  "UPDATE agents SET agent_config = $2, memory_data = $3, updated_at = NOW() WHERE id = $1",
			wantArgs: 3,
		},
		{
			name:     "config only",
			config:   cfg,
			wantSQL:  "UPDATE agents SET agent_config = $2, updated_at = NOW() WHERE id = $1",
			wantArgs: 2,
		},
		{
			name:     "memory only",
			memory:   mem,
			wantSQL:  "UPDATE agents SET memory_data = $2, updated_at = NOW() WHERE id = $1",
			wantArgs: 2,
		},
		{
			name:    "nothing dirty",
			wantSQL: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := buildAgentUpdate(7, tt.config, tt.memory)
			if sql != tt.wantSQL {
				t.Errorf("sql = %q, want %q", sql, tt.wantSQL)
			}
			if tt.wantSQL == "" {
				if args != nil {
					t.Errorf("args = %v, want nil", args)
				}
				return
			}
			if len(args) != tt.wantArgs {
				t.Errorf("len(args) = %d, want %d", len(args), tt.wantArgs)
			}
			if args[0] != int64(7) {
				t.Errorf("args[0] = %v, want agent id 7", args[0])
			}
		})
	}
}

func TestSessionTitle(t *testing.T) {
	if got := sessionTitle(""); got != "New conversation" {
		t.Errorf("empty first message: got %q", got)
	}
	if got := sessionTitle("hi there"); got != "hi there" {
		t.Errorf("short message: got %q", got)
	}
	long := ""
	for i := 0; i < 60; i++ {
		long += "x"
	}
	got := sessionTitle(long)
	if len([]rune(got)) != titleMaxLen+3 {
		t.Errorf("long message: got len %d, want %d", len([]rune(got)), titleMaxLen+3)
	}
}
