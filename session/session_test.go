package session

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	// SHA-256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Fingerprint("abc"))

	a := Fingerprint("token-a")
	assert.Equal(t, a, Fingerprint("token-a"), "deterministic")
	assert.NotEqual(t, a, Fingerprint("token-b"))
	assert.Len(t, a, FingerprintLen)
	_, err := hex.DecodeString(a)
	assert.NoError(t, err)
}

func TestShortFingerprint(t *testing.T) {
	assert.Equal(t, "ba7816bf8f01", ShortFingerprint(Fingerprint("abc")))
	assert.Equal(t, "abc", ShortFingerprint("abc"))
}

func TestRecordExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &Record{ExpiresAt: now}
	assert.True(t, rec.Expired(now), "expiry instant is already dead")
	assert.True(t, rec.Expired(now.Add(time.Second)))
	assert.False(t, rec.Expired(now.Add(-time.Nanosecond)))
}

func TestRecordDeviceIcon(t *testing.T) {
	tests := map[DeviceClass]string{
		DeviceMobile:  "fa-mobile",
		DeviceTablet:  "fa-tablet",
		DeviceDesktop: "fa-laptop",
		DeviceUnknown: "fa-laptop",
	}
	for class, want := range tests {
		assert.Equal(t, want, (&Record{DeviceClass: class}).DeviceIcon(), class)
	}
}

func TestRecordClone(t *testing.T) {
	rec := &Record{Owner: "alice", IsCurrent: true}
	cp := rec.Clone()
	cp.IsCurrent = false
	assert.True(t, rec.IsCurrent)
	assert.Nil(t, (*Record)(nil).Clone())
}

func TestSinceActivity(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "Just now"},
		{59 * time.Second, "Just now"},
		{time.Minute, "1 minute ago"},
		{5 * time.Minute, "5 minutes ago"},
		{time.Hour, "1 hour ago"},
		{23 * time.Hour, "23 hours ago"},
		{24 * time.Hour, "1 day ago"},
		{47 * time.Hour, "1 day ago"},
		{72 * time.Hour, "3 days ago"},
		{-time.Hour, "Just now"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SinceActivity(now.Add(-tt.ago), now), tt.ago.String())
	}
}
