package remote

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
)

// Operation names passed to a Memory fault hook.
const (
	OperationQuery     = "query"
	OperationSubscribe = "subscribe"
	OperationUpsert    = "upsert"
)

// FaultFunc may veto an operation by returning an error.
type FaultFunc func(op, docPath string) error

// Memory is an in-process Store. It backs the emulator and tests.
type Memory struct {
	mu    sync.Mutex
	docs  map[string]map[string]any
	subs  map[int]*memStream
	next  int
	fault FaultFunc
	now   func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]map[string]any),
		subs: make(map[int]*memStream),
		now:  time.Now,
	}
}

// SetFault installs a hook consulted before every operation. Nil removes it.
func (m *Memory) SetFault(fn FaultFunc) {
	m.mu.Lock()
	m.fault = fn
	m.mu.Unlock()
}

func (m *Memory) check(op, docPath string) error {
	m.mu.Lock()
	fn := m.fault
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(op, docPath)
}

// Query returns the documents of collection that match q.
func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := m.check(OperationQuery, collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	docs := m.collectionLocked(collection)
	m.mu.Unlock()
	return q.Apply(docs), nil
}

// Get returns a single document.
func (m *Memory) Get(docPath string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.docs[docPath]
	if !ok {
		return Document{}, fmt.Errorf("%s: %w", docPath, ErrNotFound)
	}
	return Document{Path: docPath, Fields: maps.Clone(fields)}, nil
}

// Upsert writes a document and notifies matching subscribers.
func (m *Memory) Upsert(ctx context.Context, docPath string, fields map[string]any, opts UpsertOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if docPath == "" || strings.Count(docPath, "/")%2 == 0 {
		return fmt.Errorf("%w: %q is not a document path", ErrInvalidArgument, docPath)
	}
	if err := m.check(OperationUpsert, docPath); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := FromTime(m.now())
	existing, exists := m.docs[docPath]
	next := make(map[string]any, len(fields)+len(existing))
	if opts.Merge && exists {
		maps.Copy(next, existing)
	}
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			v = now
		}
		next[k] = v
	}
	m.docs[docPath] = next

	typ := Added
	if exists {
		typ = Modified
	}
	m.notifyLocked(Change{Type: typ, Document: Document{Path: docPath, Fields: maps.Clone(next)}}, existing)
	return nil
}

// Delete removes a document and emits a removed event.
func (m *Memory) Delete(docPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.docs[docPath]
	if !ok {
		return
	}
	delete(m.docs, docPath)
	m.notifyLocked(Change{Type: Removed, Document: Document{Path: docPath, Fields: existing}}, existing)
}

// Subscribe streams the current matching documents as added events, then
// every later change.
func (m *Memory) Subscribe(ctx context.Context, collection string, q Query) (Stream, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := m.check(OperationSubscribe, collection); err != nil {
		return nil, err
	}

	m.mu.Lock()
	id := m.next
	m.next++
	s := newMemStream(collection, q, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	})
	for _, d := range q.Apply(m.collectionLocked(collection)) {
		s.push(Change{Type: Added, Document: d})
	}
	m.subs[id] = s
	m.mu.Unlock()

	go s.run()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Subscribers returns the number of open streams.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// BreakStreams terminates every open stream with err.
func (m *Memory) BreakStreams(err error) {
	m.mu.Lock()
	subs := make([]*memStream, 0, len(m.subs))
	for id, s := range m.subs {
		subs = append(subs, s)
		delete(m.subs, id)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.fail(err)
	}
}

func (m *Memory) collectionLocked(collection string) []Document {
	var docs []Document
	for p, fields := range m.docs {
		d := Document{Path: p, Fields: fields}
		if d.Collection() == collection {
			docs = append(docs, Document{Path: p, Fields: maps.Clone(fields)})
		}
	}
	return docs
}

// notifyLocked fans a change out. A document that stops matching a query is
// reported to that query as removed.
func (m *Memory) notifyLocked(c Change, before map[string]any) {
	for _, s := range m.subs {
		if c.Document.Collection() != s.collection {
			continue
		}
		matchedBefore := before != nil && s.query.Matches(before)
		matchesNow := c.Type != Removed && s.query.Matches(c.Document.Fields)
		switch {
		case matchesNow && !matchedBefore:
			s.push(Change{Type: Added, Document: c.Document})
		case matchesNow:
			s.push(Change{Type: Modified, Document: c.Document})
		case matchedBefore:
			s.push(Change{Type: Removed, Document: c.Document})
		}
	}
}

type memStream struct {
	collection string
	query      Query
	detach     func()

	mu     sync.Mutex
	queue  []Change
	err    error
	notify chan struct{}
	out    chan Change
	done   chan struct{}
	once   sync.Once
}

func newMemStream(collection string, q Query, detach func()) *memStream {
	return &memStream{
		collection: collection,
		query:      q,
		detach:     detach,
		notify:     make(chan struct{}, 1),
		out:        make(chan Change),
		done:       make(chan struct{}),
	}
}

func (s *memStream) push(c Change) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memStream) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, c := range batch {
			select {
			case s.out <- c:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

func (s *memStream) Changes() <-chan Change { return s.out }

func (s *memStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.detach()
	})
	return nil
}

func (s *memStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}
