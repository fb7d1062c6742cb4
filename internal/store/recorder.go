package store

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"sub2mcp/internal/dispatch"
	"sub2mcp/internal/document"
	"sub2mcp/internal/options"
	"sub2mcp/internal/subformat"
)

// Recorder subscribes to document commits and writes debounced snapshots to
// the store. Serialization happens on the owner goroutine; the insert does
// not.
type Recorder struct {
	store *SnapshotStore
	doc   *document.Document
	queue *dispatch.Queue
	opts  options.Getter

	mu      sync.Mutex
	pending bool
}

func NewRecorder(store *SnapshotStore, doc *document.Document, queue *dispatch.Queue, opts options.Getter) *Recorder {
	return &Recorder{store: store, doc: doc, queue: queue, opts: opts}
}

// Attach registers the commit listener. Call on the owner goroutine before
// serving.
func (r *Recorder) Attach() {
	r.doc.OnCommit(func(document.CommitInfo) {
		r.schedule()
	})
}

func (r *Recorder) schedule() {
	if !r.opts.GetBool("autosave/enabled") {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending {
		return
	}
	r.pending = true
	interval := r.opts.GetInt("autosave/interval_ms")
	if interval <= 0 {
		interval = 5000
	}
	time.AfterFunc(time.Duration(interval)*time.Millisecond, r.flush)
}

func (r *Recorder) flush() {
	r.mu.Lock()
	r.pending = false
	r.mu.Unlock()

	var payload strings.Builder
	description := ""
	err := r.queue.Sync(func() error {
		description = r.doc.Filename
		w, err := subformat.ForFilename("autosave.ass")
		if err != nil {
			return err
		}
		return w.Write(&payload, r.doc)
	})
	if err != nil {
		log.Printf("[autosave] failed to serialize snapshot: %v", err)
		return
	}
	if description == "" {
		description = "unsaved session"
	}

	ctx := context.Background()
	if _, err := r.store.Save(ctx, description, payload.String()); err != nil {
		log.Printf("[autosave] failed to save snapshot: %v", err)
		return
	}
	if err := r.store.Prune(ctx, r.opts.GetInt("autosave/keep")); err != nil {
		log.Printf("[autosave] failed to prune snapshots: %v", err)
	}
}
