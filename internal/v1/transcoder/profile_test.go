package transcoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSelect_ShortClip(t *testing.T) {
	p := Select(1<<20, 5*time.Second, false)
	assert.Equal(t, "ultrafast", p.Preset)
	assert.Equal(t, 30, p.CRF)
	assert.Equal(t, 20*time.Second, p.ProtectedRunTime)
}

func TestSelect_LargeMKV(t *testing.T) {
	p := Select(3<<30, time.Hour, true)
	assert.Equal(t, "ultrafast", p.Preset)
	assert.Equal(t, 60*time.Second, p.ProtectedRunTime)
	assert.Equal(t, 90*time.Second, p.GracePeriod)
}

func TestSelect_LargeNonMKV(t *testing.T) {
	p := Select(3<<30, time.Hour, false)
	assert.Equal(t, 45*time.Second, p.ProtectedRunTime)
	assert.Equal(t, 60*time.Second, p.GracePeriod)
}

func TestSelect_Medium(t *testing.T) {
	p := Select(500<<20, 20*time.Minute, false)
	assert.Equal(t, "veryfast", p.Preset)
	assert.Equal(t, 26, p.CRF)
	assert.Equal(t, 25*time.Second, p.ProtectedRunTime)
}

func TestFingerprint_DistinguishesProfiles(t *testing.T) {
	p1 := Select(1<<20, 5*time.Second, false)
	p2 := Select(500<<20, 20*time.Minute, false)
	assert.NotEqual(t, Fingerprint("media1", p1), Fingerprint("media1", p2))
}

func TestFfmpegArgs_IncludesFragmentedMP4Flags(t *testing.T) {
	p := Select(500<<20, 20*time.Minute, false)
	args := ffmpegArgs(p)
	assert.Contains(t, args, "frag_keyframe+empty_moov+faststart")
	assert.Contains(t, args, "veryfast")
}
