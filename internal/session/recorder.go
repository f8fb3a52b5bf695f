// recorder.go - Session recording and playback
// Recordings are JSON lines of {elapsed, type, data}; "o" entries are bytes
// delivered to the surface, "i" entries are bytes typed by the user.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one timestamped chunk of a recording
type Entry struct {
	// Elapsed is seconds since the recording started
	Elapsed float64 `json:"elapsed"`
	// Type is "o" for output, "i" for input
	Type string `json:"type"`
	Data string `json:"data"`
}

// Recorder appends entries to a writer as they happen. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	w     io.Writer
	c     io.Closer
	enc   *json.Encoder
	start time.Time
	err   error
}

// NewRecorder records to w
func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{w: w, enc: json.NewEncoder(w), start: time.Now()}
	if c, ok := w.(io.Closer); ok {
		r.c = c
	}
	return r
}

// CreateRecorder records to a new file at path
func CreateRecorder(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	log.Printf("Recorder: writing %s", path)
	return NewRecorder(f), nil
}

// RecordOutput appends bytes delivered to the surface
func (r *Recorder) RecordOutput(p []byte) { r.record("o", p) }

// RecordInput appends bytes typed by the user
func (r *Recorder) RecordInput(p []byte) { r.record("i", p) }

func (r *Recorder) record(typ string, p []byte) {
	if r == nil || len(p) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	e := Entry{Elapsed: time.Since(r.start).Seconds(), Type: typ, Data: string(p)}
	if err := r.enc.Encode(e); err != nil {
		// stop recording after the first failure
		r.err = err
		log.Printf("Recorder: write failed, recording stopped: %v", err)
	}
}

// Close closes the underlying file, if any
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return nil
	}
	err := r.c.Close()
	r.c = nil
	return err
}

// ReadRecording decodes a recording. Blank lines are skipped.
func ReadRecording(rd io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("recording line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recording: %w", err)
	}
	return entries, nil
}

// PlaybackBackend replays the output entries of a recording with their
// original timing. Input is discarded.
type PlaybackBackend struct {
	path  string
	speed float64

	entries []Entry
	next    int
	begun   time.Time
	pending []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewPlaybackBackend replays path. speed scales the delays; 0 replays
// without waiting.
func NewPlaybackBackend(path string, speed float64) *PlaybackBackend {
	return &PlaybackBackend{path: path, speed: speed, done: make(chan struct{})}
}

// Open loads the recording
func (p *PlaybackBackend) Open(ctx context.Context) error {
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	entries, err := ReadRecording(f)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type == "o" {
			p.entries = append(p.entries, e)
		}
	}
	p.begun = time.Now()
	log.Printf("Playback: %s with %d output entries", p.path, len(p.entries))
	return nil
}

// Read blocks until the next entry is due; io.EOF after the last one
func (p *PlaybackBackend) Read(b []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	if p.next >= len(p.entries) {
		return 0, io.EOF
	}
	e := p.entries[p.next]
	if p.speed > 0 {
		due := p.begun.Add(time.Duration(e.Elapsed / p.speed * float64(time.Second)))
		if wait := time.Until(due); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-p.done:
				t.Stop()
				return 0, errors.New("playback closed")
			}
		}
	}
	select {
	case <-p.done:
		return 0, errors.New("playback closed")
	default:
	}
	p.next++
	n := copy(b, e.Data)
	p.pending = []byte(e.Data[n:])
	return n, nil
}

// Write discards input
func (p *PlaybackBackend) Write(b []byte) (int, error) { return len(b), nil }

// Resize is a no-op; the recording has its own geometry
func (p *PlaybackBackend) Resize(cols, rows int) error { return nil }

// Close stops the replay
func (p *PlaybackBackend) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
