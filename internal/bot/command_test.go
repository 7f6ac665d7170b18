package bot

import (
	"reflect"
	"testing"

	logx "todobot/pkg/logx"
)

func TestTokenize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "plain", in: "/task_list", want: []string{"/task_list"}},
		{name: "args", in: "/task_done 3fa8", want: []string{"/task_done", "3fa8"}},
		{
			name: "double quoted title",
			in:   `/task_add "ship the report" 2026-09-01 18:00`,
			want: []string{"/task_add", "ship the report", "2026-09-01", "18:00"},
		},
		{
			name: "single quotes",
			in:   `/task_add 'one two' now`,
			want: []string{"/task_add", "one two", "now"},
		},
		{name: "collapsed whitespace", in: "  /x   a \t b  ", want: []string{"/x", "a", "b"}},
		{name: "empty", in: "   ", want: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := tokenize(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("tokenize(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitArgs(t *testing.T) {
	t.Parallel()
	pos, flags := splitArgs([]string{"title", "2026-09-01", "18:00", "--notify", "1h 1d", "--importance=high", "--urgent"})
	wantPos := []string{"title", "2026-09-01", "18:00"}
	if !reflect.DeepEqual(pos, wantPos) {
		t.Fatalf("pos = %#v, want %#v", pos, wantPos)
	}
	if flags["notify"] != "1h 1d" {
		t.Fatalf(`flags["notify"] = %q, want "1h 1d"`, flags["notify"])
	}
	if flags["importance"] != "high" {
		t.Fatalf(`flags["importance"] = %q, want "high"`, flags["importance"])
	}
	if v, ok := flags["urgent"]; !ok || v != "" {
		t.Fatalf(`flags["urgent"] = (%q, %v), want present and empty`, v, ok)
	}
}

func TestRouterRegistryIsStatic(t *testing.T) {
	t.Parallel()
	h := &Handlers{}
	r := NewRouter(nil, logx.Nop(), h.Registry())

	// task commands plus help; mail commands appear only when wired
	names := map[string]bool{}
	for _, c := range r.MenuCommands() {
		names[c.Command] = true
	}
	for _, want := range []string{"task_add", "task_list", "task_done", "task_delete", "help"} {
		if !names[want] {
			t.Fatalf("command %q missing from registry", want)
		}
	}
	if names["mail_connect"] {
		t.Fatal("mail commands registered without the mail subsystem")
	}
}
