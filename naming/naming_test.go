package naming

import "testing"

func TestJoin(t *testing.T) {
	if got := Join("echo", "echo"); got != "echo_echo" {
		t.Fatalf("Join = %q, want echo_echo", got)
	}
	if got := Join("docker", "exec"); got != "docker_exec" {
		t.Fatalf("Join = %q, want docker_exec", got)
	}
}

func TestSplit(t *testing.T) {
	prefixes := []string{"docker", "docker_compose", "agent42"}

	tests := []struct {
		name       string
		wantPrefix string
		wantOp     string
		wantOK     bool
	}{
		{"docker_exec", "docker", "exec", true},
		// Operation names may contain the separator.
		{"docker_exec_interactive", "docker", "exec_interactive", true},
		// The longest registered prefix wins.
		{"docker_compose_up", "docker_compose", "up", true},
		{"agent42_send_message", "agent42", "send_message", true},
		{"mystery_op", "", "", false},
		// A bare prefix with no operation does not resolve.
		{"docker_", "", "", false},
		{"docker", "", "", false},
	}
	for _, tt := range tests {
		prefix, op, ok := Split(tt.name, prefixes)
		if ok != tt.wantOK || prefix != tt.wantPrefix || op != tt.wantOp {
			t.Errorf("Split(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.name, prefix, op, ok, tt.wantPrefix, tt.wantOp, tt.wantOK)
		}
	}
}

func TestOriginServer(t *testing.T) {
	prefixes := []string{"docker", "docker/nested", "agent42"}

	tests := []struct {
		uri  string
		want string
	}{
		{"res://docker/logs/1", "docker"},
		{"res://docker/nested/state", "docker/nested"},
		{"res://agent42", "agent42"},
		{"res://dockerfiles/x", OriginUnknown},
		{"res://ghost/thing", OriginUnknown},
		{"/docker/logs/1", "docker"},
	}
	for _, tt := range tests {
		if got := OriginServer(tt.uri, prefixes); got != tt.want {
			t.Errorf("OriginServer(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestOriginServerNoMounts(t *testing.T) {
	if got := OriginServer("res://anything", nil); got != OriginUnknown {
		t.Fatalf("OriginServer with no mounts = %q, want %q", got, OriginUnknown)
	}
}
