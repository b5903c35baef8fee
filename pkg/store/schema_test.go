package store

import "testing"

func TestKeyHelpers(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"concurrency counter", ConcurrencyCounterKey("scraper"), "semaphore:count:scraper"},
		{"slot pool", SlotPoolKey("python-workers"), "semaphore:python-workers"},
		{"cadence timestamp", CadenceTimestampKey("scraper"), "cadence:ts:scraper"},
		{"cadence counter", CadenceCounterKey("scraper"), "cadence:count:scraper"},
		{"round robin", RoundRobinIndexKey("g1"), "rule:rr_idx:g1"},
		{"bot descriptor", BotDescriptorKey("scraper"), "config:bottype:scraper"},
		{"bot group", BotGroupKey("g1"), "config:botgroup:g1"},
		{"worker queue", WorkerQueueConfigKey("python-workers"), "config:wq:python-workers"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s key = %q, expected %q", tt.name, tt.got, tt.want)
		}
	}
}
