// Package stt provides speech-to-text over the subtitle session: a
// whisper-compatible HTTP client plus a caching service keyed by event id.
// Transcripts survive save/load through the document's extradata store.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"sub2mcp/internal/dispatch"
	"sub2mcp/internal/document"
	"sub2mcp/internal/media"
	"sub2mcp/internal/options"
)

// ExtradataKey is the per-event metadata key transcripts persist under.
const ExtradataKey = "stt"

// MaxDurationMS bounds a single transcription request.
const MaxDurationMS = 60000

var (
	ErrNotConfigured = errors.New("transcription provider not configured")
	ErrNoAudio       = errors.New("no audio source loaded")
	ErrBadRange      = errors.New("invalid audio range")
	ErrCached        = errors.New("already cached")
	ErrInFlight      = errors.New("transcription already in flight")
)

// Service coordinates transcription requests for the session. Cache and
// in-flight bookkeeping are guarded by one mutex held only for map access;
// all document mutation happens on the owner goroutine via the queue.
type Service struct {
	doc    *document.Document
	queue  *dispatch.Queue
	opts   options.Getter
	client *Client
	audio  func() media.AudioSource

	mu       sync.Mutex
	cache    map[document.EventID]string
	inFlight map[document.EventID]struct{}
	waiters  map[document.EventID][]chan string
}

// NewService wires the transcription service. audio returns the session's
// current audio source, nil when none is loaded.
func NewService(doc *document.Document, queue *dispatch.Queue, opts options.Getter, client *Client, audio func() media.AudioSource) *Service {
	return &Service{
		doc:      doc,
		queue:    queue,
		opts:     opts,
		client:   client,
		audio:    audio,
		cache:    map[document.EventID]string{},
		inFlight: map[document.EventID]struct{}{},
		waiters:  map[document.EventID][]chan string{},
	}
}

// Client exposes the underlying transcription client, for range
// transcription that bypasses the per-event cache.
func (s *Service) Client() *Client { return s.client }

// GetCachedText returns the cached transcript for an event, or "".
func (s *Service) GetCachedText(id document.EventID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache[id]
}

// HasText reports whether a transcript is cached for the event.
func (s *Service) HasText(id document.EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache[id]
	return ok
}

// CachedAll returns a copy of the cache.
func (s *Service) CachedAll() map[document.EventID]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[document.EventID]string, len(s.cache))
	for id, text := range s.cache {
		out[id] = text
	}
	return out
}

// InvalidateCache drops the cached transcript for one event.
func (s *Service) InvalidateCache(id document.EventID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, id)
}

// Clear drops the whole cache and the in-flight set.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = map[document.EventID]string{}
	s.inFlight = map[document.EventID]struct{}{}
}

// LoadFromExtradata rebuilds the cache from persisted transcripts. Must run
// on the owner goroutine. Idempotent.
func (s *Service) LoadFromExtradata() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = map[document.EventID]string{}
	s.doc.Each(func(_ int, ev *document.Event) bool {
		for _, e := range s.doc.GetExtradata(ev.Extradata) {
			if e.Key == ExtradataKey && e.Value != "" {
				s.cache[ev.ID] = e.Value
				break
			}
		}
		return true
	})
}

// TranscribeAsync transcribes the [startMS, endMS) range of the event's
// audio in the background. Must be called on the owner goroutine. The
// returned error reports why nothing was started; ErrCached and ErrInFlight
// mean the text is or will be available without new work. onComplete runs on
// the owner goroutine with the transcript, or "" on failure.
func (s *Service) TranscribeAsync(ev *document.Event, startMS, endMS int, onComplete func(string)) error {
	if ev == nil {
		return ErrBadRange
	}
	if !s.client.IsConfigured() {
		return ErrNotConfigured
	}
	src := s.audio()
	if src == nil {
		return ErrNoAudio
	}
	duration := endMS - startMS
	if duration <= 0 || duration > MaxDurationMS {
		return ErrBadRange
	}
	id := ev.ID

	// Mark in-flight before any async work starts so a duplicate submission
	// arriving between launch and completion is rejected here.
	s.mu.Lock()
	if _, ok := s.cache[id]; ok {
		s.mu.Unlock()
		return ErrCached
	}
	if _, ok := s.inFlight[id]; ok {
		s.mu.Unlock()
		return ErrInFlight
	}
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()

	go s.transcribe(id, src, startMS, endMS, onComplete)
	return nil
}

func (s *Service) transcribe(id document.EventID, src media.AudioSource, startMS, endMS int, onComplete func(string)) {
	clipPath := filepath.Join(os.TempDir(), fmt.Sprintf("sub2mcp_stt_%d_%s.wav", id, uuid.NewString()))

	result := ""
	if err := media.SaveClip(src, clipPath, startMS, endMS); err != nil {
		log.Printf("[stt] failed to export audio clip: %v", err)
	} else {
		text, err := s.client.Transcribe(context.Background(), clipPath)
		if err != nil {
			log.Printf("[stt] transcription failed for event %d: %v", id, err)
		} else {
			result = text
		}
		if err := os.Remove(clipPath); err != nil && !os.IsNotExist(err) {
			log.Printf("[stt] failed to remove temp clip: %v", err)
		}
	}

	s.queue.Async(func() {
		s.mu.Lock()
		delete(s.inFlight, id)
		if result != "" {
			s.cache[id] = result
		}
		waiting := s.waiters[id]
		delete(s.waiters, id)
		s.mu.Unlock()

		if result != "" {
			if ev := s.doc.ByID(id); ev != nil {
				s.doc.AttachExtradata(ev, ExtradataKey, result)
				s.doc.Commit("transcription", document.CommitExtradata|document.CommitMeta)
			}
		}
		for _, ch := range waiting {
			ch <- result
		}
		if onComplete != nil {
			onComplete(result)
		}
	})
}

// TranscribeSync returns the transcript for the event, starting a
// transcription if needed and waiting for it. Safe to call off the owner
// goroutine; it may block for the length of one provider call. A concurrent
// call for the same event shares the single in-flight request and observes
// the same final text.
func (s *Service) TranscribeSync(ctx context.Context, id document.EventID, startMS, endMS int) (string, error) {
	done := make(chan string, 1)
	var startErr error
	err := s.queue.Sync(func() error {
		s.mu.Lock()
		if text, ok := s.cache[id]; ok {
			s.mu.Unlock()
			done <- text
			return nil
		}
		s.waiters[id] = append(s.waiters[id], done)
		s.mu.Unlock()

		startErr = s.TranscribeAsync(s.doc.ByID(id), startMS, endMS, nil)
		return nil
	})
	if err != nil {
		return "", err
	}
	if startErr != nil {
		switch {
		case errors.Is(startErr, ErrCached):
			s.dropWaiter(id, done)
			return s.GetCachedText(id), nil
		case errors.Is(startErr, ErrInFlight):
			// the existing request will deliver to our waiter channel
		default:
			s.dropWaiter(id, done)
			return "", startErr
		}
	}

	select {
	case text := <-done:
		return text, nil
	case <-ctx.Done():
		s.dropWaiter(id, done)
		return "", ctx.Err()
	}
}

func (s *Service) dropWaiter(id document.EventID, ch chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.waiters[id][:0]
	for _, w := range s.waiters[id] {
		if w != ch {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = kept
	}
}

// TranscribeWithLookahead transcribes the event and silently prefetches the
// next stt/lookahead_lines events. Must run on the owner goroutine.
func (s *Service) TranscribeWithLookahead(ev *document.Event, onActiveComplete func(string)) error {
	if ev == nil {
		return ErrBadRange
	}
	err := s.TranscribeAsync(ev, ev.Start, ev.End, onActiveComplete)

	lookahead := s.opts.GetInt("stt/lookahead_lines")
	if lookahead > 0 {
		idx := s.doc.IndexOf(ev.ID)
		for i := 1; i <= lookahead && idx >= 0; i++ {
			next := s.doc.At(idx + i)
			if next == nil {
				break
			}
			// prefetch errors are expected (cached, in flight) and ignored
			_ = s.TranscribeAsync(next, next.Start, next.End, func(string) {})
		}
	}
	return err
}
