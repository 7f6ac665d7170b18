package task

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseOffset(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		token   string
		want    int
		wantErr bool
		reason  string
	}{
		{name: "minutes", token: "30m", want: 30},
		{name: "hours", token: "2h", want: 120},
		{name: "days", token: "1d", want: 1440},
		{name: "uppercase unit", token: "45M", want: 45},
		{name: "surrounding space", token: " 10m ", want: 10},
		{name: "max hours allowed", token: "720h", want: 43200},
		{name: "max days allowed", token: "30d", want: 43200},
		{name: "over ceiling", token: "31d", wantErr: true, reason: "exceeds the 30 day maximum"},
		{name: "over ceiling hours", token: "721h", wantErr: true, reason: "exceeds the 30 day maximum"},
		{name: "huge value would overflow", token: "9000000000000000000d", wantErr: true, reason: "exceeds the 30 day maximum"},
		{name: "value too large for int", token: "99999999999999999999m", wantErr: true, reason: "exceeds the 30 day maximum"},
		{name: "zero", token: "0m", wantErr: true, reason: "must be positive"},
		{name: "no unit", token: "30", wantErr: true},
		{name: "bad unit", token: "30w", wantErr: true},
		{name: "negative", token: "-5m", wantErr: true},
		{name: "empty", token: "", wantErr: true},
		{name: "words", token: "soon", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOffset(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseOffset(%q) = %d, want error", tt.token, got)
				}
				var oe *OffsetError
				if !errors.As(err, &oe) {
					t.Fatalf("error type = %T, want *OffsetError", err)
				}
				if tt.reason != "" && oe.Reason != tt.reason {
					t.Fatalf("Reason = %q, want %q", oe.Reason, tt.reason)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOffset(%q) error: %v", tt.token, err)
			}
			if got != tt.want {
				t.Fatalf("ParseOffset(%q) = %d, want %d", tt.token, got, tt.want)
			}
		})
	}
}

func TestParseOffsetsDescending(t *testing.T) {
	t.Parallel()
	got, err := ParseOffsets("1h 1d 30m")
	if err != nil {
		t.Fatalf("ParseOffsets error: %v", err)
	}
	want := []int{1440, 60, 30}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseOffsets = %v, want %v", got, want)
	}
}

func TestParseOffsetsDedup(t *testing.T) {
	t.Parallel()
	// 60m and 1h are the same lead time
	got, err := ParseOffsets("60m 1h 2h")
	if err != nil {
		t.Fatalf("ParseOffsets error: %v", err)
	}
	want := []int{120, 60}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseOffsets = %v, want %v", got, want)
	}
}

func TestParseOffsetsBadToken(t *testing.T) {
	t.Parallel()
	if _, err := ParseOffsets("1h nope 2h"); err == nil {
		t.Fatal("expected error for invalid token in list")
	}
}

func TestFormatOffset(t *testing.T) {
	t.Parallel()
	tests := []struct {
		minutes int
		want    string
	}{
		{30, "30m"},
		{59, "59m"},
		{60, "1h"},
		{90, "1h"},
		{1440, "1d"},
		{2880, "2d"},
	}
	for _, tt := range tests {
		if got := FormatOffset(tt.minutes); got != tt.want {
			t.Fatalf("FormatOffset(%d) = %q, want %q", tt.minutes, got, tt.want)
		}
	}
}
