package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	max := 60 * time.Second
	tests := []struct {
		name   string
		s      string
		want   time.Duration
		wantOK bool
	}{
		{"empty", "", 0, false},
		{"seconds 5", "5", 5 * time.Second, true},
		{"seconds 0", "0", 0, true},
		{"seconds over cap", "120", max, true},
		{"whitespace", "  10  ", 10 * time.Second, true},
		{"negative", "-3", 0, false},
		{"invalid", "x", 0, false},
		{"http date", now.Add(45 * time.Second).Format(http.TimeFormat), 45 * time.Second, true},
		{"http date in past", now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.s, now, max)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseRetryAfter(%q) = %v, %v; want %v, %v", tt.s, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRetryAfter_nilResponse(t *testing.T) {
	if _, ok := RetryAfter(nil, 0); ok {
		t.Fatal("nil response should carry no hint")
	}
}
