package mcp

import "testing"

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid", ServerConfig{ID: "alpha", Command: "echo"}, false},
		{"missing id", ServerConfig{Command: "echo"}, true},
		{"missing command", ServerConfig{ID: "alpha"}, true},
		{"id contains separator", ServerConfig{ID: "al__pha", Command: "echo"}, true},
		{"path traversal in command", ServerConfig{ID: "alpha", Command: "../../etc/passwd"}, true},
		{"path traversal in workdir", ServerConfig{ID: "alpha", Command: "echo", WorkDir: "../../tmp"}, true},
		{"shell metachar in arg", ServerConfig{ID: "alpha", Command: "echo", Args: []string{"foo; rm -rf /"}}, true},
		{"plain arg ok", ServerConfig{ID: "alpha", Command: "echo", Args: []string{"hello world"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPrefixedRoundTrip(t *testing.T) {
	known := map[string]bool{"alpha": true, "beta": true}
	isBackend := func(s string) bool { return known[s] }

	tests := []struct {
		full        string
		wantBackend string
		wantRest    string
		wantOK      bool
	}{
		{"alpha__ping", "alpha", "ping", true},
		{"beta__stat", "beta", "stat", true},
		{"gamma__ping", "", "", false},
		{"alpha____ping", "alpha", "__ping", true},
	}
	for _, tt := range tests {
		t.Run(tt.full, func(t *testing.T) {
			backend, rest, ok := SplitPrefixed(tt.full, isBackend)
			if ok != tt.wantOK || backend != tt.wantBackend || rest != tt.wantRest {
				t.Errorf("SplitPrefixed(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.full, backend, rest, ok, tt.wantBackend, tt.wantRest, tt.wantOK)
			}
		})
	}
}

func TestPrefixed(t *testing.T) {
	if got := Prefixed("alpha", "ping"); got != "alpha__ping" {
		t.Errorf("Prefixed() = %q, want alpha__ping", got)
	}
}

func TestToID(t *testing.T) {
	tests := []struct {
		in     any
		want   int64
		wantOK bool
	}{
		{float64(3), 3, true},
		{int(7), 7, true},
		{int64(9), 9, true},
		{"nope", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := toID(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("toID(%v) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestSchemeOf(t *testing.T) {
	tests := []struct {
		uri    string
		want   string
		wantOK bool
	}{
		{"alpha:file.txt", "alpha", true},
		{"noscheme", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := schemeOf(tt.uri)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("schemeOf(%q) = (%q, %v), want (%q, %v)", tt.uri, got, ok, tt.want, tt.wantOK)
		}
	}
}
