package queueview

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/rbaliyan/queueview/store"
	"github.com/rbaliyan/queueview/store/memory"
)

// recordingPlugin records lifecycle and hook calls into a shared log.
type recordingPlugin struct {
	name    string
	mu      *sync.Mutex
	log     *[]string
	initErr error
	before  func(queue string, mail Mail) error
	after   error
}

func (p *recordingPlugin) record(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.log = append(*p.log, p.name+":"+s)
}

func (p *recordingPlugin) Name() string { return p.name }

func (p *recordingPlugin) Init(context.Context) error {
	p.record("init")
	return p.initErr
}

func (p *recordingPlugin) Close(context.Context) error {
	p.record("close")
	return nil
}

func (p *recordingPlugin) BeforeStore(_ context.Context, queue string, mail Mail) error {
	p.record("before " + mail.Envelope.Name)
	if p.before != nil {
		return p.before(queue, mail)
	}
	return nil
}

func (p *recordingPlugin) AfterStore(_ context.Context, item *store.EnqueuedItem) error {
	p.record("after " + item.MailKey())
	return p.after
}

func TestPluginLifecycle(t *testing.T) {
	var mu sync.Mutex
	var log []string
	a := &recordingPlugin{name: "a", mu: &mu, log: &log}
	b := &recordingPlugin{name: "b", mu: &mu, log: &log}

	v, err := NewView(WithStore(memory.New()), WithPlugin(a), WithPlugin(b), WithPlugin(nil))
	if err != nil {
		t.Fatalf("NewView: %v", err)
	}
	ctx := context.Background()
	if err := v.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := v.StoreMail(ctx, testQueue, Mail{Envelope: store.MailEnvelope{Name: "m1"}}); err != nil {
		t.Fatalf("StoreMail: %v", err)
	}
	if err := v.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := []string{
		"a:init", "b:init",
		"a:before m1", "b:before m1",
		"a:after m1", "b:after m1",
		"b:close", "a:close",
	}
	if !slices.Equal(log, want) {
		t.Errorf("calls = %v, want %v", log, want)
	}
}

func TestPluginInitRollback(t *testing.T) {
	var mu sync.Mutex
	var log []string
	boom := errors.New("boom")
	a := &recordingPlugin{name: "a", mu: &mu, log: &log}
	b := &recordingPlugin{name: "b", mu: &mu, log: &log, initErr: boom}

	st := memory.New()
	v, err := NewView(WithStore(st), WithPlugin(a), WithPlugin(b))
	if err != nil {
		t.Fatalf("NewView: %v", err)
	}
	err = v.Connect(context.Background())
	var pe *PluginError
	if !errors.As(err, &pe) || pe.Plugin != "b" || pe.Op != "init" || !errors.Is(err, boom) {
		t.Fatalf("Connect() error = %v, want PluginError from b", err)
	}
	if v.IsConnected() {
		t.Error("view connected despite plugin failure")
	}
	if want := []string{"a:init", "b:init", "a:close"}; !slices.Equal(log, want) {
		t.Errorf("calls = %v, want %v", log, want)
	}

	// The store was released and can be connected again.
	if err := st.Connect(context.Background()); err != nil {
		t.Errorf("store reconnect: %v", err)
	}
}

func TestBeforeStoreRejects(t *testing.T) {
	var mu sync.Mutex
	var log []string
	rejected := errors.New("sender blocked")
	p := &recordingPlugin{name: "filter", mu: &mu, log: &log, before: func(_ string, mail Mail) error {
		if mail.EnqueueID == "" {
			return errors.New("enqueue id not assigned before hooks")
		}
		if mail.Envelope.Sender == "spam@example.com" {
			return rejected
		}
		return nil
	}}
	env := setupView(t, WithPlugin(p))
	ctx := context.Background()

	_, err := env.view.StoreMail(ctx, testQueue, Mail{Envelope: store.MailEnvelope{Name: "bad", Sender: "spam@example.com"}})
	if !errors.Is(err, rejected) {
		t.Fatalf("StoreMail() error = %v, want %v", err, rejected)
	}
	good := env.store1(t, "good")

	if got := browseNames(t, env.view, testQueue); !slices.Equal(got, []string{"good"}) {
		t.Errorf("browse = %v, want [good]", got)
	}
	if !mustPresent(t, env.view, testQueue, good.EnqueueID) {
		t.Error("accepted mail not present")
	}
}

func TestAfterStoreErrorKeepsItem(t *testing.T) {
	var mu sync.Mutex
	var log []string
	p := &recordingPlugin{name: "notify", mu: &mu, log: &log, after: errors.New("webhook down")}
	env := setupView(t, WithPlugin(p))

	item := env.store1(t, "kept")
	if !mustPresent(t, env.view, testQueue, item.EnqueueID) {
		t.Error("item lost after AfterStore failure")
	}
}
