package buildinfo

import "testing"

func TestResolve(t *testing.T) {
	settings := map[string]string{
		"vcs.revision": "0123456789abcdef0123",
		"vcs.time":     "2026-03-01T10:20:30+02:00",
	}
	lookup := func(k string) string { return settings[k] }

	tests := []struct {
		name                  string
		version, commit, date string
		want                  Info
	}{
		{
			name:    "ldflags win",
			version: "1.2.3", commit: "abc", date: "2026-01-02T03:04:05Z",
			want: Info{Version: "1.2.3", Commit: "abc", BuildTime: "2026-01-02T03:04:05Z"},
		},
		{
			name:    "fallback to vcs settings",
			version: "dev", commit: "unknown", date: "unknown",
			want: Info{Version: "dev", Commit: "0123456789ab", BuildTime: "2026-03-01T08:20:30Z"},
		},
		{
			name:    "empty version",
			version: " ", commit: "abc", date: "garbage",
			want: Info{Version: "0.0.0-dev", Commit: "abc", BuildTime: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolve(tt.version, tt.commit, tt.date, lookup); got != tt.want {
				t.Fatalf("resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
