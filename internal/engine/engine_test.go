package engine

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/convo/internal/attachment"
	"github.com/matheus3301/convo/internal/dispatch"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/objectstore"
	"github.com/matheus3301/convo/internal/outbox"
	"github.com/matheus3301/convo/internal/store"
	"github.com/matheus3301/convo/internal/voice"
	"go.uber.org/zap"
)

var (
	alice = identity.Identity{UserID: "cust-1", DisplayName: "Alice", Role: identity.Initiator}
	mallo = identity.Identity{UserID: "cust-2", DisplayName: "Mallory", Role: identity.Initiator}
	sam   = identity.Identity{UserID: "staff-1", DisplayName: "Sam", Role: identity.Staff}
)

// countingStore accepts every upload and counts them.
type countingStore struct {
	puts atomic.Int32
}

func (s *countingStore) Put(_ context.Context, obj objectstore.Object, body io.Reader) (objectstore.Stored, error) {
	s.puts.Add(1)
	if _, err := io.Copy(io.Discard, body); err != nil {
		return objectstore.Stored{}, err
	}
	return objectstore.Stored{URL: "https://cdn.example/" + obj.Key}, nil
}

// toneMic yields a constant tone every millisecond until closed.
type toneMic struct{}

func (toneMic) Open(_ context.Context, f voice.Format) (voice.Stream, error) {
	return &toneStream{chunk: f.SampleRate * f.Channels / 1000, closed: make(chan struct{})}, nil
}

type toneStream struct {
	chunk  int
	once   sync.Once
	closed chan struct{}
}

func (s *toneStream) Read() ([]int16, error) {
	select {
	case <-s.closed:
		return nil, io.EOF
	case <-time.After(time.Millisecond):
	}
	out := make([]int16, s.chunk)
	for i := range out {
		out[i] = 2000
	}
	return out, nil
}

func (s *toneStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fixture struct {
	engine  *Engine
	log     *store.Log
	objects *countingStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	log := store.NewLog(db, nil, nil, logger)
	d := dispatch.New(log, dispatch.Options{}, logger)
	sender := outbox.NewSender(db, log, d, outbox.Options{InitialInterval: time.Millisecond}, nil, logger)
	if err := sender.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sender.Stop)
	t.Cleanup(d.Close)

	objects := &countingStore{}
	pipeline := attachment.New(objects, attachment.Options{}, nil, logger)
	voiceOpts := voice.Options{Format: voice.Format{SampleRate: 8000, Channels: 1}}
	return &fixture{
		engine:  New(log, d, sender, pipeline, toneMic{}, voiceOpts, nil, logger),
		log:     log,
		objects: objects,
	}
}

type collector chan dispatch.Delta

func (c collector) Render(d dispatch.Delta) { c <- d }

func (c collector) next(t *testing.T) dispatch.Delta {
	t.Helper()
	select {
	case d := <-c:
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delta")
		return dispatch.Delta{}
	}
}

func (c collector) added(t *testing.T) store.Message {
	t.Helper()
	for {
		d := c.next(t)
		if len(d.Added) > 0 {
			if len(d.Added) != 1 {
				t.Fatalf("added %d messages at once, want 1", len(d.Added))
			}
			return d.Added[0]
		}
	}
}

func TestThreadsResolveToConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine, err := f.engine.Conversation(ctx, alice, SupportThread(alice.UserID))
	if err != nil {
		t.Fatal(err)
	}
	again, err := f.engine.Conversation(ctx, sam, SupportThread(alice.UserID))
	if err != nil {
		t.Fatal(err)
	}
	if mine.ID != again.ID {
		t.Fatalf("support thread resolved to %s and %s", mine.ID, again.ID)
	}

	rfq, err := f.engine.Conversation(ctx, alice, RFQThread("rfq-9"))
	if err != nil {
		t.Fatal(err)
	}
	if rfq.ID == mine.ID {
		t.Fatal("rfq thread shares the support conversation")
	}
	if rfq.Subject != (store.Subject{Kind: store.SubjectRFQ, ID: "rfq-9"}) {
		t.Errorf("subject = %v", rfq.Subject)
	}
}

func TestThreadAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Conversation(ctx, sam, PartnershipThread("app-1")); !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("staff creating thread: err = %v, want ErrConversationNotFound", err)
	}
	if _, err := f.engine.Conversation(ctx, mallo, SupportThread(alice.UserID)); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("other customer's support thread: err = %v, want ErrNotParticipant", err)
	}

	if _, err := f.engine.Conversation(ctx, alice, OrderThread("ord-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Conversation(ctx, mallo, OrderThread("ord-1")); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("other customer's order thread: err = %v, want ErrNotParticipant", err)
	}
}

func TestStaffViewReceivesCustomerText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customer, staff := make(collector, 16), make(collector, 16)
	cv, err := f.engine.Open(ctx, alice, SupportThread(alice.UserID), customer)
	if err != nil {
		t.Fatal(err)
	}
	defer cv.Close()
	sv, err := f.engine.Open(ctx, sam, SupportThread(alice.UserID), staff)
	if err != nil {
		t.Fatal(err)
	}
	defer sv.Close()

	entry, err := cv.Send(ctx, "my package never arrived")
	if err != nil {
		t.Fatal(err)
	}

	got := staff.added(t)
	if got.Body != "my package never arrived" || got.SenderRole != identity.Initiator || got.Read {
		t.Errorf("staff got %+v", got)
	}
	if got.ClientID != entry.ClientID {
		t.Errorf("client id = %s, want %s", got.ClientID, entry.ClientID)
	}

	// The author's own view renders it too, exactly once.
	own := customer.added(t)
	if own.ID != got.ID {
		t.Errorf("author rendered message %d, staff %d", own.ID, got.ID)
	}
	select {
	case d := <-staff:
		if len(d.Added) > 0 {
			t.Errorf("message rendered twice: %+v", d)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelledRecordingSendsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.engine.Open(ctx, alice, SupportThread(alice.UserID), make(collector, 16))
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	rec := v.Recorder()
	if _, err := rec.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	rec.Cancel()

	if rec.State() != voice.Idle {
		t.Errorf("state = %s, want idle", rec.State())
	}
	if n := f.engine.Pipeline().Started(); n != 0 {
		t.Errorf("uploads started = %d, want 0", n)
	}
	if n := f.objects.puts.Load(); n != 0 {
		t.Errorf("object puts = %d, want 0", n)
	}
	msgs, err := f.log.Messages(ctx, v.Conversation().ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
}

func TestStoppedRecordingSendsVoiceNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := make(collector, 16)
	v, err := f.engine.Open(ctx, alice, SupportThread(alice.UserID), r)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	rec := v.Recorder()
	if _, err := rec.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	clip, err := rec.Stop(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got := r.added(t)
	if got.Kind != store.KindVoiceNote || got.Attachment == nil {
		t.Fatalf("message = %+v", got)
	}
	if got.Attachment.MimeType != "audio/wav" {
		t.Errorf("mime = %s", got.Attachment.MimeType)
	}
	if got.Attachment.DurationSec != clip.Duration.Seconds() || got.Attachment.DurationSec <= 0 {
		t.Errorf("duration = %v, clip %v", got.Attachment.DurationSec, clip.Duration)
	}
	if f.engine.Pipeline().Started() != 1 {
		t.Errorf("uploads started = %d, want 1", f.engine.Pipeline().Started())
	}
}

func TestSendFileAndMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.engine.Conversation(ctx, alice, RFQThread("rfq-1"))
	if err != nil {
		t.Fatal(err)
	}
	file := attachment.FromBytes("drawing.pdf", "application/pdf", []byte("%PDF-1.4 drawing"))
	entry, err := f.engine.SendFile(ctx, alice, conv.ID, store.KindDocument, file, "drawings attached", nil)
	if err != nil {
		t.Fatal(err)
	}
	sent, err := f.engine.Await(ctx, entry.ClientID)
	if err != nil {
		t.Fatal(err)
	}
	if sent.Status != store.OutboxSent {
		t.Fatalf("status = %s (%s)", sent.Status, sent.LastError)
	}

	// The author cannot mark their own message read.
	if err := f.engine.MarkRead(ctx, alice, sent.MessageID); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.MarkRead(ctx, sam, sent.MessageID); err != nil {
		t.Fatal(err)
	}
	msgs, err := f.engine.Messages(ctx, sam, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !msgs[0].Read || msgs[0].Body != "drawings attached" {
		t.Fatalf("messages = %+v", msgs)
	}

	if _, err := f.engine.Messages(ctx, mallo, conv.ID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("stranger reading: err = %v, want ErrNotParticipant", err)
	}
	if _, err := f.engine.Retry(ctx, mallo, entry.ClientID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("stranger retry: err = %v, want ErrNotParticipant", err)
	}
}

func TestListAndArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	support, err := f.engine.Conversation(ctx, alice, SupportThread(alice.UserID))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Conversation(ctx, alice, OrderThread("ord-5")); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Archive(ctx, sam, support.ID); err != nil {
		t.Fatal(err)
	}

	open, err := f.engine.List(ctx, alice, false, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Subject.Kind != store.SubjectOrder {
		t.Fatalf("open conversations = %+v", open)
	}
	all, err := f.engine.List(ctx, alice, true, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all conversations = %d, want 2", len(all))
	}

	// Archived conversations take no more messages; the entry fails and stays.
	entry, err := f.engine.Send(ctx, alice, support.ID, "hello?", "")
	if err != nil {
		t.Fatal(err)
	}
	done, err := f.engine.Await(ctx, entry.ClientID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != store.OutboxFailed {
		t.Errorf("status = %s, want failed", done.Status)
	}
}

func TestParseThread(t *testing.T) {
	th, err := ParseThread("partnership", "app-3")
	if err != nil {
		t.Fatal(err)
	}
	if th != PartnershipThread("app-3") {
		t.Errorf("thread = %v", th)
	}
	if _, err := ParseThread("invoice", "1"); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := ParseThread("rfq", ""); err == nil {
		t.Error("missing id accepted")
	}
}
