package transcoder

import (
	"strconv"
	"time"
)

// Profile describes an ffmpeg encode target, chosen by Select based on
// input size and estimated duration.
type Profile struct {
	Preset         string
	CRF            int
	MaxrateKbps    int
	BufsizeKbps    int
	KeyframeEvery  int // frames
	Tune           string
	MuxQueueSize   int // 0 means ffmpeg default

	ProtectedRunTime time.Duration
	GracePeriod      time.Duration
}

const (
	shortVideoThreshold = 10 * time.Second
	largeInputThreshold = 2 << 30 // 2 GiB
)

// Select picks an encode profile from the input's declared size, estimated
// duration, and container kind. Matches the profile table: short clips get
// the cheapest possible encode, very large files get a longer protected run
// time and grace period to absorb reconnects without re-spawning ffmpeg.
func Select(sizeBytes int64, estimatedDuration time.Duration, isMKV bool) Profile {
	switch {
	case estimatedDuration > 0 && estimatedDuration < shortVideoThreshold:
		return Profile{
			Preset: "ultrafast", CRF: 30, MaxrateKbps: 1000, BufsizeKbps: 2000,
			KeyframeEvery:    5,
			ProtectedRunTime: 20 * time.Second,
			GracePeriod:      30 * time.Second,
		}
	case sizeBytes > largeInputThreshold:
		p := Profile{
			Preset: "ultrafast", CRF: 29, MaxrateKbps: 3500, BufsizeKbps: 7000,
			KeyframeEvery: 15, Tune: "film", MuxQueueSize: 4096,
			ProtectedRunTime: 45 * time.Second,
			GracePeriod:      60 * time.Second,
		}
		if isMKV {
			p.ProtectedRunTime = 60 * time.Second
			p.GracePeriod = 90 * time.Second
		}
		return p
	default:
		return Profile{
			Preset: "veryfast", CRF: 26, MaxrateKbps: 8000, BufsizeKbps: 16000,
			KeyframeEvery:    15,
			ProtectedRunTime: 25 * time.Second,
			GracePeriod:      25 * time.Second,
		}
	}
}

// CleanExitProfile is substituted for the rest of a Transcode's lifetime
// once the ffmpeg process has exited with status 0 — a completed encode
// needs only a short linger to serve remaining fan-out readers.
var CleanExitProfile = Profile{
	ProtectedRunTime: 2 * time.Second,
	GracePeriod:      5 * time.Second,
}

// ffmpegArgs builds the argument list for a fragmented-MP4 passthrough
// transcode reading from stdin and writing to stdout.
func ffmpegArgs(p Profile) []string {
	args := []string{
		"-y",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-c:a", "aac",
		"-movflags", "frag_keyframe+empty_moov+faststart",
		"-f", "mp4",
	}
	if p.MaxrateKbps > 0 {
		args = append(args, "-maxrate", strconv.Itoa(p.MaxrateKbps)+"k")
	}
	if p.BufsizeKbps > 0 {
		args = append(args, "-bufsize", strconv.Itoa(p.BufsizeKbps)+"k")
	}
	if p.KeyframeEvery > 0 {
		args = append(args, "-g", strconv.Itoa(p.KeyframeEvery))
	}
	if p.Tune != "" {
		args = append(args, "-tune", p.Tune)
	}
	if p.MuxQueueSize > 0 {
		args = append(args, "-max_muxing_queue_size", strconv.Itoa(p.MuxQueueSize))
	}
	args = append(args, "pipe:1")
	return args
}
