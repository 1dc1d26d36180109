package storedvalue

import "testing"

func TestNRUFromFrequency(t *testing.T) {
	cases := []struct {
		freq uint8
		want uint8
	}{
		{255, 0}, {192, 0}, {191, 1}, {128, 1}, {127, 2}, {64, 2}, {63, 3}, {0, 3},
	}
	for _, tc := range cases {
		if got := NRUFromFrequency(tc.freq); got != tc.want {
			t.Errorf("NRUFromFrequency(%d) = %d, want %d", tc.freq, got, tc.want)
		}
	}
}

func TestBumpFrequency(t *testing.T) {
	sv := &StoredValue{}

	// r=0 always lands under the chance, so every access increments.
	for i := 0; i < 300; i++ {
		sv.BumpFrequency(0)
	}
	if sv.FreqCounter != 255 {
		t.Errorf("counter %d, expected saturation at 255", sv.FreqCounter)
	}

	// r=1 never increments: 1 is past every chance.
	sv = &StoredValue{FreqCounter: 10}
	sv.BumpFrequency(1)
	if sv.FreqCounter != 10 {
		t.Errorf("counter moved to %d on an r=1 draw", sv.FreqCounter)
	}

	// The increment chance diminishes as the counter grows.
	cold := &StoredValue{FreqCounter: 0}
	hot := &StoredValue{FreqCounter: 200}
	r := 0.5
	cold.BumpFrequency(r)
	hot.BumpFrequency(r)
	if cold.FreqCounter != 1 {
		t.Error("cold counter should increment on a middling draw")
	}
	if hot.FreqCounter != 200 {
		t.Error("hot counter should skip a middling draw")
	}
}

func TestLockAndExpiryPredicates(t *testing.T) {
	now := int64(1000)

	sv := &StoredValue{LockOrDeleteTime: now + 10}
	if !sv.IsLocked(now) {
		t.Error("future lock expiry must report locked")
	}
	if sv.IsLocked(now + 10) {
		t.Error("lock lapses at its expiry instant")
	}

	// The shared field means a tombstone is never considered locked.
	sv.Bits.Deleted = true
	if sv.IsLocked(now) {
		t.Error("deleted value must not report locked")
	}

	exp := &StoredValue{Exptime: now - 1}
	if !exp.IsExpired(now) {
		t.Error("past exptime must report expired")
	}
	if (&StoredValue{}).IsExpired(now) {
		t.Error("exptime 0 never expires")
	}
}
