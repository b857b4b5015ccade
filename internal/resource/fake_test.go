package resource

import (
	"context"
	"database/sql"
	"time"
)

// fakeHandle is a resource handle that records what happened to it.
type fakeHandle struct {
	id        int
	closes    int
	begins    int
	commits   int
	rollbacks int
}

// fakeFactory counts every lifecycle call and can be told to fail.
type fakeFactory struct {
	handles []*fakeHandle

	creates, closes, begins, commits, rollbacks int

	createErr, closeErr, beginErr, commitErr, rollbackErr error
}

func (f *fakeFactory) Create(ctx context.Context) (*fakeHandle, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates++
	h := &fakeHandle{id: f.creates}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeFactory) Close(ctx context.Context, h *fakeHandle) error {
	f.closes++
	h.closes++
	return f.closeErr
}

func (f *fakeFactory) Begin(ctx context.Context, h *fakeHandle, opts Options) error {
	if f.beginErr != nil {
		return f.beginErr
	}
	f.begins++
	h.begins++
	return nil
}

func (f *fakeFactory) Commit(ctx context.Context, h *fakeHandle) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits++
	h.commits++
	return nil
}

func (f *fakeFactory) Rollback(ctx context.Context, h *fakeHandle) error {
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	f.rollbacks++
	h.rollbacks++
	return nil
}

// vetoFactory keeps handles open while keep returns true.
type vetoFactory struct {
	*fakeFactory
	keep func(h *fakeHandle) bool
}

func (f *vetoFactory) ShouldClose(h *fakeHandle) bool { return !f.keep(h) }

// fakeConn is the secondary holder handed out by fakeCoResource.
type fakeConn struct {
	HolderState
	owner *fakeHandle
}

// fakeCoResource co-registers a fakeConn and records restores.
type fakeCoResource struct {
	key          Key
	prepares     int
	restores     int
	lastPrevious *sql.IsolationLevel
	prepareErr   error
	restoreErr   error
}

func (c *fakeCoResource) Key() Key { return c.key }

func (c *fakeCoResource) Prepare(ctx context.Context, primary *fakeHandle, opts Options) (Holder, *sql.IsolationLevel, error) {
	if c.prepareErr != nil {
		return nil, nil, c.prepareErr
	}
	c.prepares++
	var previous *sql.IsolationLevel
	if opts.Isolation != sql.LevelDefault {
		level := sql.LevelDefault
		previous = &level
	}
	return &fakeConn{owner: primary}, previous, nil
}

func (c *fakeCoResource) Restore(ctx context.Context, holder Holder, previous *sql.IsolationLevel) error {
	c.restores++
	c.lastPrevious = previous
	return c.restoreErr
}

// recordingSync appends its name to a shared log on every callback.
type recordingSync struct {
	name  string
	order int
	log   *[]string
}

func (s *recordingSync) Order() int                  { return s.order }
func (s *recordingSync) Suspend(ctx context.Context) { *s.log = append(*s.log, s.name+":suspend") }
func (s *recordingSync) Resume(ctx context.Context)  { *s.log = append(*s.log, s.name+":resume") }
func (s *recordingSync) BeforeCompletion(ctx context.Context) {
	*s.log = append(*s.log, s.name+":before")
}
func (s *recordingSync) AfterCompletion(ctx context.Context, status CompletionStatus) {
	*s.log = append(*s.log, s.name+":after:"+status.String())
}

var testKey = NewKey("fake", "primary")

func newTestContext() context.Context {
	return WithRegistry(context.Background(), NewRegistry())
}

func newTestManager(f *fakeFactory, opts ...Option) *Manager[*fakeHandle] {
	return NewManager[*fakeHandle](testKey, f, opts...)
}

// beginUnitOfWork starts a unit of work on ctx and returns its transaction.
func beginUnitOfWork(ctx context.Context, m *Manager[*fakeHandle], timeout time.Duration) (*Transaction[*fakeHandle], error) {
	tx := m.GetTransaction(ctx)
	return tx, m.Begin(ctx, tx, Options{Timeout: timeout})
}
