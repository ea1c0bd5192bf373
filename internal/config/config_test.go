package config

import (
	"testing"
	"time"
)

func TestParseBackoff(t *testing.T) {
	cases := []struct {
		raw  string
		want []time.Duration
	}{
		{"1,2,3", []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
		{" 1, 2 ,3 ", []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
		{"1,bogus,-2,0,5", []time.Duration{time.Second, 5 * time.Second}},
		{"", nil},
		{",,", nil},
	}
	for _, c := range cases {
		got := parseBackoff(c.raw)
		if len(got) != len(c.want) {
			t.Errorf("parseBackoff(%q): got %v, want %v", c.raw, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("parseBackoff(%q)[%d]: got %s, want %s", c.raw, i, got[i], c.want[i])
			}
		}
	}
}

func TestGetBackoff_FallsBackOnEmpty(t *testing.T) {
	t.Setenv("POLL_BACKOFF_SEQUENCE", "bogus,,")
	got := getbackoff("POLL_BACKOFF_SEQUENCE", "2,4")
	if len(got) != 2 || got[0] != 2*time.Second || got[1] != 4*time.Second {
		t.Errorf("fallback sequence: got %v", got)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("MAX_OUTPUTS_PER_REQUEST", "8")
	t.Setenv("DAILY_SPEND_CAP_CREDITS", "750.5")
	t.Setenv("REFUND_ON_FAIL", "false")
	t.Setenv("POLL_MAX_WAIT_SECONDS", "60")

	cfg := FromEnv()
	if cfg.MaxOutputsPerRequest != 8 {
		t.Errorf("MaxOutputsPerRequest: got %d, want 8", cfg.MaxOutputsPerRequest)
	}
	if cfg.DailySpendCapCredits.String() != "750.5" {
		t.Errorf("DailySpendCapCredits: got %s, want 750.5", cfg.DailySpendCapCredits)
	}
	if cfg.RefundOnFail {
		t.Error("RefundOnFail: got true, want false")
	}
	if cfg.PollMaxWait != time.Minute {
		t.Errorf("PollMaxWait: got %s, want 1m", cfg.PollMaxWait)
	}
}
