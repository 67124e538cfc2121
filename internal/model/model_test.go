package model

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSyncConfigClamp(t *testing.T) {
	tests := []struct {
		name string
		in   SyncConfig
		want SyncConfig
	}{
		{
			name: "defaults already in range",
			in:   DefaultSyncConfig(),
			want: DefaultSyncConfig(),
		},
		{
			name: "everything too low",
			in: SyncConfig{
				Interval:       time.Second,
				MaxConcurrency: 0,
				BatchLimit:     -5,
				Timeout:        time.Second,
				MaxRetries:     -1,
			},
			want: SyncConfig{
				Interval:       60 * time.Second,
				MaxConcurrency: 1,
				BatchLimit:     1,
				Timeout:        5 * time.Second,
				MaxRetries:     0,
			},
		},
		{
			name: "everything too high",
			in: SyncConfig{
				Interval:       24 * time.Hour,
				MaxConcurrency: 100,
				BatchLimit:     5000,
				Timeout:        10 * time.Minute,
				MaxRetries:     50,
			},
			want: SyncConfig{
				Interval:       3600 * time.Second,
				MaxConcurrency: 16,
				BatchLimit:     200,
				Timeout:        60 * time.Second,
				MaxRetries:     4,
			},
		},
		{
			name: "boundaries are kept",
			in: SyncConfig{
				Interval:       60 * time.Second,
				MaxConcurrency: 16,
				BatchLimit:     200,
				Timeout:        5 * time.Second,
				MaxRetries:     4,
			},
			want: SyncConfig{
				Interval:       60 * time.Second,
				MaxConcurrency: 16,
				BatchLimit:     200,
				Timeout:        5 * time.Second,
				MaxRetries:     4,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.in
			cfg.Clamp()
			if diff := cmp.Diff(tt.want, cfg); diff != "" {
				t.Errorf("Clamp() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
