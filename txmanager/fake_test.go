package txmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/goxa/partner"
	"github.com/xiaoxuxiansheng/goxa/syncs"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

const fakeFactory = "fake"

// fakeRM 记录调用并按队列返回结果的资源管理器驱动
type fakeRM struct {
	mu   sync.Mutex
	name string

	prepareCode  xa.Code
	prepareErr   error
	commitErrs   []error
	rollbackErrs []error
	forgetErrs   []error

	calls  []string
	closed bool
	// 多个驱动共享, 记录跨资源的调用顺序
	trace *[]string
}

func newFakeRM(name string) *fakeRM {
	return &fakeRM{name: name, prepareCode: xa.OK}
}

func (f *fakeRM) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if f.trace != nil {
		*f.trace = append(*f.trace, f.name+":"+op)
	}
}

func (f *fakeRM) pop(queue *[]error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (f *fakeRM) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRM) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeRM) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	if flags == xa.TMJOIN {
		f.record("join")
		return nil
	}
	f.record("start")
	return nil
}

func (f *fakeRM) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	f.record("end")
	return nil
}

func (f *fakeRM) Prepare(ctx context.Context, xid xa.Xid) (xa.Code, error) {
	f.record("prepare")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepareCode, f.prepareErr
}

func (f *fakeRM) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	if onePhase {
		f.record("commit1p")
	} else {
		f.record("commit")
	}
	return f.pop(&f.commitErrs)
}

func (f *fakeRM) Rollback(ctx context.Context, xid xa.Xid) error {
	f.record("rollback")
	return f.pop(&f.rollbackErrs)
}

func (f *fakeRM) Forget(ctx context.Context, xid xa.Xid) error {
	f.record("forget")
	return f.pop(&f.forgetErrs)
}

func (f *fakeRM) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	return nil, nil
}

func (f *fakeRM) IsSameRM(other xa.Resource) bool {
	o, ok := other.(*fakeRM)
	return ok && o.name == f.name
}

func (f *fakeRM) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakePool 按 name 属性返回驱动, 用于重连和恢复
type fakePool struct {
	mu     sync.Mutex
	rms    map[string]*fakeRM
	opened int
}

func newFakePool() *fakePool {
	return &fakePool{rms: make(map[string]*fakeRM)}
}

func (p *fakePool) Get(name string) *fakeRM {
	p.mu.Lock()
	defer p.mu.Unlock()
	rm, ok := p.rms[name]
	if !ok {
		rm = newFakeRM(name)
		p.rms[name] = rm
	}
	return rm
}

func (p *fakePool) Factory() Factory {
	return FactoryFunc{
		FactoryName: fakeFactory,
		OpenFunc: func(ctx context.Context, props map[string]interface{}) (xa.Resource, error) {
			p.mu.Lock()
			p.opened++
			p.mu.Unlock()
			return p.Get(props["name"].(string)), nil
		},
	}
}

func testXid() xa.Xid {
	return xa.NewGenerator(0x5445, xa.NewInstanceID(), 1).NewGlobal()
}

// recordingSync 记录 after 阶段收到的状态
type recordingSync struct {
	mu     sync.Mutex
	before func(ctx context.Context) error
	after  []syncs.Status
}

func (s *recordingSync) BeforeCompletion(ctx context.Context) error {
	if s.before != nil {
		return s.before(ctx)
	}
	return nil
}

func (s *recordingSync) AfterCompletion(ctx context.Context, status syncs.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.after = append(s.after, status)
}

func (s *recordingSync) After() []syncs.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]syncs.Status(nil), s.after...)
}

func newTestManager(t *testing.T, opts ...Option) *TXManager {
	t.Helper()
	opts = append([]Option{WithMonitorTick(time.Hour), WithTimeout(time.Minute)}, opts...)
	m := NewTXManager(opts...)
	t.Cleanup(m.Stop)
	_, err := m.Recover(context.Background())
	require.NoError(t, err)
	return m
}

func registerRM(t *testing.T, m *TXManager, name string, priority int) int {
	t.Helper()
	index, err := m.RegisterResourceInfo(partner.NewXARecoveryWrapper(fakeFactory, map[string]interface{}{
		"name":     name,
		"priority": priority,
	}))
	require.NoError(t, err)
	return index
}

func enlist(t *testing.T, m *TXManager, tx *Transaction, rm *fakeRM, priority int) {
	t.Helper()
	require.NoError(t, tx.EnlistResource(context.Background(), rm, registerRM(t, m, rm.name, priority)))
}
