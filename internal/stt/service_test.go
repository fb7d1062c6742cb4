package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sub2mcp/internal/dispatch"
	"sub2mcp/internal/document"
	"sub2mcp/internal/media"
)

type serviceFixture struct {
	doc     *document.Document
	queue   *dispatch.Queue
	service *Service
	calls   *int32
	cancel  context.CancelFunc
}

// newFixture builds a running owner queue, a one-line document and a
// service backed by a fake whisper endpoint that counts its calls.
func newFixture(t *testing.T, respond func() string) *serviceFixture {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond) // keep requests overlapping
		_, _ = w.Write([]byte(`{"text":"` + respond() + `"}`))
	}))
	t.Cleanup(srv.Close)

	doc := document.New()
	queue := dispatch.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go queue.Run(ctx)
	t.Cleanup(cancel)

	opts := optMap{
		"stt/base_url": srv.URL,
		"stt/api_key":  "k",
		"stt/model":    "whisper-1",
	}
	audio := media.Silence(16000, 120000)
	service := NewService(doc, queue, opts, NewClient(opts), func() media.AudioSource { return audio })
	return &serviceFixture{doc: doc, queue: queue, service: service, calls: &calls, cancel: cancel}
}

func (f *serviceFixture) addLine(t *testing.T, startMS, endMS int) document.EventID {
	t.Helper()
	var id document.EventID
	if err := f.queue.Sync(func() error {
		ids := f.doc.Insert(-1, &document.Event{Start: startMS, End: endMS, Style: "Default"})
		id = ids[0]
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestTranscribeSyncCachesAndPersists(t *testing.T) {
	f := newFixture(t, func() string { return "spoken words" })
	id := f.addLine(t, 0, 2000)

	text, err := f.service.TranscribeSync(context.Background(), id, 0, 2000)
	if err != nil {
		t.Fatalf("TranscribeSync: %v", err)
	}
	if text != "spoken words" {
		t.Fatalf("text = %q", text)
	}
	if got := f.service.GetCachedText(id); got != "spoken words" {
		t.Fatalf("cache = %q", got)
	}
	// the transcript must be attached as extradata on the owner thread
	err = f.queue.Sync(func() error {
		ev := f.doc.ByID(id)
		for _, e := range f.doc.GetExtradata(ev.Extradata) {
			if e.Key == ExtradataKey && e.Value == "spoken words" {
				return nil
			}
		}
		return errors.New("extradata missing")
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentTranscribeSharesOneCall(t *testing.T) {
	f := newFixture(t, func() string { return "once" })
	id := f.addLine(t, 0, 2000)

	var wg sync.WaitGroup
	texts := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			text, err := f.service.TranscribeSync(context.Background(), id, 0, 2000)
			if err != nil {
				t.Errorf("TranscribeSync: %v", err)
				return
			}
			texts[slot] = text
		}(i)
	}
	wg.Wait()
	for _, text := range texts {
		if text != "once" {
			t.Fatalf("texts = %v", texts)
		}
	}
	if n := atomic.LoadInt32(f.calls); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
}

func TestSecondTranscribeHitsCache(t *testing.T) {
	f := newFixture(t, func() string { return "cached" })
	id := f.addLine(t, 0, 2000)

	if _, err := f.service.TranscribeSync(context.Background(), id, 0, 2000); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.TranscribeSync(context.Background(), id, 0, 2000); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(f.calls); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
}

func TestCacheFilledAfterWaiterRegistersLeavesNoWaiter(t *testing.T) {
	doc := document.New()
	queue := dispatch.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	opts := optMap{"stt/base_url": "http://localhost:1", "stt/api_key": "k", "stt/model": "m"}
	var service *Service
	var id document.EventID
	audio := media.Silence(16000, 10000)
	// the audio lookup runs between waiter registration and the start-time
	// cache check; filling the cache here forces the cached-start return
	service = NewService(doc, queue, opts, NewClient(opts), func() media.AudioSource {
		service.mu.Lock()
		service.cache[id] = "filled meanwhile"
		service.mu.Unlock()
		return audio
	})
	_ = queue.Sync(func() error {
		id = doc.Insert(-1, &document.Event{End: 1000})[0]
		return nil
	})

	text, err := service.TranscribeSync(context.Background(), id, 0, 1000)
	if err != nil || text != "filled meanwhile" {
		t.Fatalf("text=%q err=%v", text, err)
	}
	service.mu.Lock()
	leftover := len(service.waiters)
	service.mu.Unlock()
	if leftover != 0 {
		t.Fatalf("%d waiter entries left behind", leftover)
	}
}

func TestOverlongRangeRejectedWithoutProviderContact(t *testing.T) {
	f := newFixture(t, func() string { return "never" })
	id := f.addLine(t, 0, 70000)

	_, err := f.service.TranscribeSync(context.Background(), id, 0, 70000)
	if !errors.Is(err, ErrBadRange) {
		t.Fatalf("err = %v, want ErrBadRange", err)
	}
	if n := atomic.LoadInt32(f.calls); n != 0 {
		t.Fatalf("provider contacted %d times for invalid range", n)
	}
}

func TestUnconfiguredServiceErrors(t *testing.T) {
	doc := document.New()
	queue := dispatch.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	opts := optMap{}
	service := NewService(doc, queue, opts, NewClient(opts), func() media.AudioSource { return media.Silence(16000, 10000) })
	var id document.EventID
	_ = queue.Sync(func() error {
		id = doc.Insert(-1, &document.Event{End: 1000})[0]
		return nil
	})
	_, err := service.TranscribeSync(context.Background(), id, 0, 1000)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestNoAudioErrors(t *testing.T) {
	doc := document.New()
	queue := dispatch.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	opts := optMap{"stt/base_url": "http://localhost:1", "stt/api_key": "k", "stt/model": "m"}
	service := NewService(doc, queue, opts, NewClient(opts), func() media.AudioSource { return nil })
	var id document.EventID
	_ = queue.Sync(func() error {
		id = doc.Insert(-1, &document.Event{End: 1000})[0]
		return nil
	})
	_, err := service.TranscribeSync(context.Background(), id, 0, 1000)
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("err = %v, want ErrNoAudio", err)
	}
}

func TestLoadFromExtradataRebuildsCache(t *testing.T) {
	f := newFixture(t, func() string { return "unused" })
	id := f.addLine(t, 0, 2000)

	err := f.queue.Sync(func() error {
		ev := f.doc.ByID(id)
		f.doc.AttachExtradata(ev, ExtradataKey, "persisted transcript")
		f.service.LoadFromExtradata()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.service.GetCachedText(id); got != "persisted transcript" {
		t.Fatalf("cache after load = %q", got)
	}
	// a transcribe for that line must now be served from cache
	text, err := f.service.TranscribeSync(context.Background(), id, 0, 2000)
	if err != nil || text != "persisted transcript" {
		t.Fatalf("text=%q err=%v", text, err)
	}
	if n := atomic.LoadInt32(f.calls); n != 0 {
		t.Fatalf("provider contacted %d times", n)
	}
}

func TestClearAndInvalidate(t *testing.T) {
	f := newFixture(t, func() string { return "text" })
	id := f.addLine(t, 0, 1000)

	if _, err := f.service.TranscribeSync(context.Background(), id, 0, 1000); err != nil {
		t.Fatal(err)
	}
	if !f.service.HasText(id) {
		t.Fatal("expected cached text")
	}
	f.service.InvalidateCache(id)
	if f.service.HasText(id) {
		t.Fatal("invalidate did not drop entry")
	}

	if _, err := f.service.TranscribeSync(context.Background(), id, 0, 1000); err != nil {
		t.Fatal(err)
	}
	f.service.Clear()
	if len(f.service.CachedAll()) != 0 {
		t.Fatal("clear left entries behind")
	}
}

func TestLookaheadPrefetchesFollowingLines(t *testing.T) {
	f := newFixture(t, func() string { return "line text" })
	ids := make([]document.EventID, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, f.addLine(t, i*2000, i*2000+1500))
	}
	f.service.opts = optMap{
		"stt/base_url":        f.service.opts.GetString("stt/base_url"),
		"stt/api_key":         "k",
		"stt/model":           "m",
		"stt/lookahead_lines": "2",
	}

	done := make(chan string, 1)
	err := f.queue.Sync(func() error {
		return f.service.TranscribeWithLookahead(f.doc.ByID(ids[0]), func(text string) { done <- text })
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case text := <-done:
		if text != "line text" {
			t.Fatalf("active text = %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("active transcription never completed")
	}
	// prefetches are silent; wait for the cache to fill
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.service.HasText(ids[1]) && f.service.HasText(ids[2]) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("lookahead lines never cached")
}

func TestTranscribeSyncHonorsContext(t *testing.T) {
	f := newFixture(t, func() string {
		time.Sleep(200 * time.Millisecond)
		return "slow"
	})
	id := f.addLine(t, 0, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.service.TranscribeSync(ctx, id, 0, 1000)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
