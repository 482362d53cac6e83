// Package transcoder wraps an external ffmpeg process, fanning its
// fragmented-MP4 output out to one or more attached clients and sharing a
// single encode across concurrent viewers of the same media.
package transcoder

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/watchparty/server/internal/v1/logging"
	"github.com/watchparty/server/internal/v1/metrics"
	"go.uber.org/zap"
)

// State is a Transcode entry's lifecycle stage.
type State int

const (
	Starting State = iota
	Running
	Draining
	Terminating
	Dead
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminating:
		return "terminating"
	default:
		return "dead"
	}
}

const (
	killEscalationDelay = 8 * time.Second
	clientBufferSize    = 1 << 20 // 1 MiB, per §4.4 back-pressure isolation
)

// Transcode is one ref-counted ffmpeg encode shared by every client
// currently watching the same (mediaID, profile fingerprint).
type Transcode struct {
	mediaID   string
	profile   Profile
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	startedAt time.Time

	mu         sync.Mutex
	state      State
	refCount   int
	clients    map[int]chan []byte
	nextID     int
	graceTimer *time.Timer
	killTimer  *time.Timer
	logger     *zap.Logger
}

// Registry holds at most one live Transcode per (mediaID, profile
// fingerprint) key, guarded by a single mutex — membership changes are rare
// relative to the byte volume flowing through each entry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Transcode
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{entries: make(map[string]*Transcode), logger: logger}
}

// Fingerprint derives the registry key for a media id and profile.
func Fingerprint(mediaID string, p Profile) string {
	return fmt.Sprintf("%s|%s|%d", mediaID, p.Preset, p.CRF)
}

// Attach returns the Transcode for (mediaID, profile), spawning ffmpeg if
// none is live, and returns a channel the caller must drain until closed
// plus a detach func to call when the client goes away.
func (r *Registry) Attach(ctx context.Context, mediaID string, profile Profile, input io.ReadCloser) (*Transcode, <-chan []byte, func(), error) {
	key := Fingerprint(mediaID, profile)

	r.mu.Lock()
	t, ok := r.entries[key]
	if ok {
		t.mu.Lock()
		live := t.state == Starting || t.state == Running || t.state == Draining
		t.mu.Unlock()
		if !live {
			ok = false
		}
	}
	if !ok {
		var err error
		t, err = newTranscode(mediaID, profile, input, r.logger)
		if err != nil {
			r.mu.Unlock()
			return nil, nil, nil, err
		}
		r.entries[key] = t
		metrics.TranscodeSessions.Inc()
	} else {
		input.Close() // a live encode already owns an upstream stream; this one is unused
	}
	r.mu.Unlock()

	ch, detach, err := t.attach()
	if err != nil {
		return nil, nil, nil, err
	}
	metrics.TranscodeAttached.WithLabelValues(mediaID).Inc()
	return t, ch, func() {
		detach()
		metrics.TranscodeAttached.WithLabelValues(mediaID).Dec()
		r.reapIfDead(key, t)
	}, nil
}

func (r *Registry) reapIfDead(key string, t *Transcode) {
	t.mu.Lock()
	dead := t.state == Dead
	t.mu.Unlock()
	if !dead {
		return
	}
	r.mu.Lock()
	if r.entries[key] == t {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}

// Shutdown terminates every live transcode immediately, waiving the normal
// protected-run-time/grace-period delays — used on process shutdown only.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := make([]*Transcode, 0, len(r.entries))
	for _, t := range r.entries {
		entries = append(entries, t)
	}
	r.entries = make(map[string]*Transcode)
	r.mu.Unlock()

	for _, t := range entries {
		t.forceKill()
	}
}

func newTranscode(mediaID string, profile Profile, input io.ReadCloser, logger *zap.Logger) (*Transcode, error) {
	cmd := exec.Command("ffmpeg", ffmpegArgs(profile)...)
	cmd.SysProcAttr = processGroupAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		input.Close()
		return nil, fmt.Errorf("attach ffmpeg stdout: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		input.Close()
		return nil, fmt.Errorf("attach ffmpeg stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		input.Close()
		return nil, fmt.Errorf("spawn ffmpeg: %w", err)
	}

	t := &Transcode{
		mediaID:   mediaID,
		profile:   profile,
		cmd:       cmd,
		stdin:     stdin,
		startedAt: time.Now(),
		state:     Starting,
		clients:   make(map[int]chan []byte),
		logger:    logger,
	}

	go func() {
		_, _ = io.Copy(stdin, input) // ffmpeg closing stdin early is expected at EOF
		stdin.Close()
		input.Close()
	}()
	go t.pump(stdout)
	go t.wait()

	// The entry does not wait for output here; the caller reads the first
	// chunk before writing any HTTP header, so a bad spawn (rejected codec
	// args, no output) still surfaces as a clean error.
	t.mu.Lock()
	t.state = Running
	t.mu.Unlock()

	return t, nil
}

func (t *Transcode) pump(stdout io.Reader) {
	buf := make([]byte, 64*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.broadcast(chunk)
		}
		if err != nil {
			t.mu.Lock()
			for _, ch := range t.clients {
				close(ch)
			}
			t.clients = make(map[int]chan []byte)
			t.mu.Unlock()
			return
		}
	}
}

func (t *Transcode) broadcast(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.clients {
		select {
		case ch <- chunk:
		default:
			// Slow client: drop this one from the fan-out rather than stall
			// the encoder for everyone else.
			close(ch)
			delete(t.clients, id)
			t.logger.Warn("detaching slow transcode client", zap.String("media_id", t.mediaID), zap.Int("client_id", id))
		}
	}
}

func (t *Transcode) attach() (<-chan []byte, func(), error) {
	t.mu.Lock()
	if t.state == Dead || t.state == Terminating {
		t.mu.Unlock()
		return nil, nil, fmt.Errorf("transcode for %s is not accepting new clients", t.mediaID)
	}
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
		t.state = Running
	}
	id := t.nextID
	t.nextID++
	ch := make(chan []byte, clientBufferSize/(64*1024)+1)
	t.clients[id] = ch
	t.refCount++
	t.mu.Unlock()

	detach := func() {
		t.mu.Lock()
		if _, ok := t.clients[id]; ok {
			delete(t.clients, id)
		}
		t.refCount--
		if t.refCount <= 0 {
			t.armGrace()
		}
		t.mu.Unlock()
	}
	return ch, detach, nil
}

// armGrace must be called with t.mu held. The last detach doesn't start the
// grace timer if the encode is still within its profile's protected run
// time — it instead waits out the remainder of that window first, so a
// short viewer drop-off during a large MKV's protected window doesn't tear
// down an ffmpeg process other viewers may reattach to seconds later.
func (t *Transcode) armGrace() {
	if t.state == Dead || t.state == Terminating {
		return
	}
	t.state = Draining
	if remaining := t.profile.ProtectedRunTime - time.Since(t.startedAt); remaining > 0 {
		t.graceTimer = time.AfterFunc(remaining, t.onProtectionElapsed)
		return
	}
	t.graceTimer = time.AfterFunc(t.profile.GracePeriod, t.onGraceElapsed)
}

// onProtectionElapsed fires when a protected run time expires while still
// draining. If a client reattached in the meantime, attach() already
// cancelled the timer and moved the state back to Running, so this is a
// no-op; otherwise it starts the real grace countdown.
func (t *Transcode) onProtectionElapsed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refCount > 0 || t.state != Draining {
		return
	}
	t.graceTimer = time.AfterFunc(t.profile.GracePeriod, t.onGraceElapsed)
}

func (t *Transcode) onGraceElapsed() {
	t.mu.Lock()
	if t.refCount > 0 || t.state != Draining {
		t.mu.Unlock()
		return
	}
	t.state = Terminating
	t.mu.Unlock()

	t.gracefulStop()
}

func (t *Transcode) gracefulStop() {
	if t.cmd.Process != nil {
		_ = signalProcessGroup(t.cmd.Process.Pid, syscall.SIGTERM)
	}
	t.mu.Lock()
	t.killTimer = time.AfterFunc(killEscalationDelay, t.forceKill)
	t.mu.Unlock()
}

func (t *Transcode) forceKill() {
	if t.cmd.Process != nil {
		_ = signalProcessGroup(t.cmd.Process.Pid, syscall.SIGKILL)
	}
	t.mu.Lock()
	t.state = Dead
	t.mu.Unlock()
}

func (t *Transcode) wait() {
	err := t.cmd.Wait()
	t.mu.Lock()
	if t.killTimer != nil {
		t.killTimer.Stop()
	}
	if err == nil {
		// A clean exit means ffmpeg reached end of stream on its own; swap
		// in CleanExitProfile so any still-attached readers only get a
		// short linger instead of the input's full grace period.
		t.profile = CleanExitProfile
		t.startedAt = time.Now()
		if t.refCount > 0 && t.state != Dead && t.state != Terminating {
			t.state = Draining
			t.graceTimer = time.AfterFunc(CleanExitProfile.GracePeriod, t.onGraceElapsed)
			t.mu.Unlock()
			return
		}
	}
	t.state = Dead
	t.mu.Unlock()
	if err != nil {
		metrics.TranscodeFailures.WithLabelValues("ffmpeg_exit").Inc()
		logging.Warn(context.Background(), "ffmpeg process exited with error",
			zap.String("media_id", t.mediaID), zap.Error(err))
	}
}

// State returns the entry's current lifecycle stage.
func (t *Transcode) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
