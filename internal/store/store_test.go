package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/convo/internal/identity"
)

var (
	alice = identity.Identity{UserID: "cust-1", DisplayName: "Alice", Role: identity.Initiator}
	mallo = identity.Identity{UserID: "cust-2", DisplayName: "Mallory", Role: identity.Initiator}
	sam   = identity.Identity{UserID: "staff-1", DisplayName: "Sam", Role: identity.Staff}
	kim   = identity.Identity{UserID: "staff-2", DisplayName: "Kim", Role: identity.Staff}
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConversation(t *testing.T, db *DB, subject Subject) *Conversation {
	t.Helper()
	c, err := db.CreateConversation(context.Background(), alice, subject, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func text(clientID string, sender identity.Identity, body string) Draft {
	return Draft{ClientID: clientID, Sender: sender, Kind: KindText, Body: body}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
	if result.Dirty {
		t.Error("schema is dirty")
	}
}

func TestCreateConversationBySubject(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	subject := Subject{Kind: SubjectRFQ, ID: "rfq-7"}

	first := testConversation(t, db, subject)
	second := testConversation(t, db, subject)
	if first.ID != second.ID {
		t.Fatalf("same subject produced two conversations: %s, %s", first.ID, second.ID)
	}

	// A different initiator cannot take over an existing subject.
	other, err := db.CreateConversation(ctx, mallo, subject, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if other.Initiator.UserID != alice.UserID {
		t.Errorf("initiator = %s, want %s", other.Initiator.UserID, alice.UserID)
	}

	free1 := testConversation(t, db, Subject{})
	free2 := testConversation(t, db, Subject{})
	if free1.ID == free2.ID {
		t.Error("free-standing conversations should be distinct")
	}

	if _, err := db.CreateConversation(ctx, sam, Subject{}, time.Now()); err == nil {
		t.Error("staff cannot be the initiator")
	}
	if _, err := db.GetConversation(ctx, "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("GetConversation(missing) err = %v", err)
	}
}

func TestAppendAndOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := testConversation(t, db, Subject{Kind: SubjectSupport, ID: alice.UserID})

	now := time.UnixMilli(1_700_000_000_000)
	m1, created, err := db.AppendMessage(ctx, c.ID, text("a", alice, "What is the price for 500kg?"), now)
	if err != nil || !created {
		t.Fatalf("append a: created=%v err=%v", created, err)
	}
	// A clock that moved backwards must not reorder the log.
	m2, _, err := db.AppendMessage(ctx, c.ID, text("b", sam, "Let me check"), now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if m2.SentAt.Before(m1.SentAt) {
		t.Errorf("sent_at went backwards: %v < %v", m2.SentAt, m1.SentAt)
	}
	if m2.ID <= m1.ID {
		t.Errorf("ids not increasing: %d then %d", m1.ID, m2.ID)
	}

	msgs, err := db.Messages(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ClientID != "a" || msgs[1].ClientID != "b" {
		t.Fatalf("unexpected log: %+v", msgs)
	}
	if msgs[0].SenderRole != identity.Initiator || msgs[0].Read {
		t.Errorf("first message = %+v", msgs[0])
	}

	conv, err := db.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !conv.LastActivityAt.Equal(m2.SentAt) {
		t.Errorf("last activity = %v, want %v", conv.LastActivityAt, m2.SentAt)
	}
}

func TestAppendIdempotentOnClientID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := testConversation(t, db, Subject{})

	first, created, err := db.AppendMessage(ctx, c.ID, text("same", alice, "Hello"), time.Now())
	if err != nil || !created {
		t.Fatalf("first append: created=%v err=%v", created, err)
	}
	again, created, err := db.AppendMessage(ctx, c.ID, text("same", alice, "Hello"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != first.ID {
		t.Errorf("retry created a new message: created=%v id=%d want %d", created, again.ID, first.ID)
	}

	// Same text under a different client id is a different message.
	if _, created, err := db.AppendMessage(ctx, c.ID, text("other", alice, "Hello"), time.Now()); err != nil || !created {
		t.Fatalf("second Hello: created=%v err=%v", created, err)
	}
	msgs, _ := db.Messages(ctx, c.ID)
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2", len(msgs))
	}
}

func TestAppendClientIDBoundToSenderAndPayload(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := testConversation(t, db, Subject{})

	if _, _, err := db.AppendMessage(ctx, c.ID, text("fixed-id", alice, "secret price 42"), time.Now()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		draft Draft
	}{
		{"other sender", text("fixed-id", sam, "secret price 42")},
		{"other body", text("fixed-id", alice, "changed my mind")},
		{"other kind", Draft{ClientID: "fixed-id", Sender: alice, Kind: KindImage, Attachment: &Attachment{URL: "/files/a.png"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, created, err := db.AppendMessage(ctx, c.ID, tt.draft, time.Now())
			if !errors.Is(err, ErrClientIDConflict) {
				t.Fatalf("err = %v, want ErrClientIDConflict", err)
			}
			if created || m.Body != "" {
				t.Errorf("conflict returned created=%v body=%q", created, m.Body)
			}
		})
	}

	msgs, _ := db.Messages(ctx, c.ID)
	if len(msgs) != 1 || msgs[0].Body != "secret price 42" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestAppendRejects(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := testConversation(t, db, Subject{})
	archived := testConversation(t, db, Subject{})
	if err := db.ArchiveConversation(ctx, archived.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		convID string
		draft  Draft
		want   error
	}{
		{"other initiator", c.ID, text("x1", mallo, "hi"), ErrWriteRejected},
		{"archived", archived.ID, text("x2", alice, "hi"), ErrWriteRejected},
		{"missing conversation", "nope", text("x3", alice, "hi"), ErrConversationNotFound},
		{"no role", c.ID, text("x4", identity.Identity{UserID: "u"}, "hi"), ErrInvalidMessage},
		{"empty text", c.ID, text("x5", alice, ""), ErrInvalidMessage},
		{"image without url", c.ID, Draft{ClientID: "x6", Sender: alice, Kind: KindImage}, ErrInvalidMessage},
		{"no client id", c.ID, text("", alice, "hi"), ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := db.AppendMessage(ctx, tt.convID, tt.draft, time.Now())
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	// Any staff identity may write.
	if _, _, err := db.AppendMessage(ctx, c.ID, text("k", kim, "hi"), time.Now()); err != nil {
		t.Errorf("staff append: %v", err)
	}

	var rej *RejectedError
	_, _, err := db.AppendMessage(ctx, "nope", text("y", alice, "hi"), time.Now())
	if !errors.As(err, &rej) || !errors.Is(err, ErrWriteRejected) {
		t.Errorf("missing conversation should be a RejectedError, got %v", err)
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := testConversation(t, db, Subject{})

	att := &Attachment{URL: "https://cdn/x.ogg", Size: 4096, MimeType: "audio/wav", FileName: "voice.wav", DurationSec: 3.5}
	d := Draft{ClientID: "v", Sender: alice, Kind: KindVoiceNote, Attachment: att}
	m, _, err := db.AppendMessage(ctx, c.ID, d, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attachment == nil || *got.Attachment != *att {
		t.Errorf("attachment = %+v, want %+v", got.Attachment, att)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := testConversation(t, db, Subject{})
	m, _, err := db.AppendMessage(ctx, c.ID, text("a", alice, "hi"), time.Now())
	if err != nil {
		t.Fatal(err)
	}

	convID, changed, err := db.MarkRead(ctx, m.ID)
	if err != nil || !changed || convID != c.ID {
		t.Fatalf("first MarkRead: conv=%s changed=%v err=%v", convID, changed, err)
	}
	once, _ := db.Messages(ctx, c.ID)

	_, changed, err = db.MarkRead(ctx, m.ID)
	if err != nil || changed {
		t.Fatalf("second MarkRead: changed=%v err=%v", changed, err)
	}
	twice, _ := db.Messages(ctx, c.ID)
	if fmt.Sprint(once) != fmt.Sprint(twice) {
		t.Errorf("state differs after second MarkRead:\n%v\n%v", once, twice)
	}

	if _, _, err := db.MarkRead(ctx, 9999); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("MarkRead(missing) err = %v", err)
	}
}

func TestListConversationsUnread(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := testConversation(t, db, Subject{Kind: SubjectOrder, ID: "o-1"})
	b, err := db.CreateConversation(ctx, mallo, Subject{Kind: SubjectOrder, ID: "o-2"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	mustAppend := func(conv string, d Draft, at time.Time) Message {
		m, _, err := db.AppendMessage(ctx, conv, d, at)
		if err != nil {
			t.Fatal(err)
		}
		return m
	}
	mustAppend(a.ID, text("1", alice, "one"), base)
	mustAppend(a.ID, text("2", alice, "two"), base.Add(time.Second))
	mustAppend(a.ID, text("3", sam, "reply"), base.Add(2*time.Second))
	mustAppend(b.ID, text("4", mallo, "newer"), base.Add(time.Minute))

	staff, err := db.ListConversations(ctx, ListFilter{Viewer: sam})
	if err != nil {
		t.Fatal(err)
	}
	if len(staff) != 2 || staff[0].ID != b.ID {
		t.Fatalf("staff listing = %+v", staff)
	}
	if staff[1].Unread != 2 {
		t.Errorf("staff unread on a = %d, want 2", staff[1].Unread)
	}

	mine, err := db.ListConversations(ctx, ListFilter{Viewer: alice})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != a.ID || mine[0].Unread != 1 {
		t.Fatalf("initiator listing = %+v", mine)
	}

	if err := db.ArchiveConversation(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	staff, _ = db.ListConversations(ctx, ListFilter{Viewer: sam})
	if len(staff) != 1 {
		t.Errorf("archived conversation still listed: %+v", staff)
	}
	staff, _ = db.ListConversations(ctx, ListFilter{Viewer: sam, IncludeArchived: true})
	if len(staff) != 2 {
		t.Errorf("IncludeArchived listing has %d entries, want 2", len(staff))
	}
}

func TestOutboxJournal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := testConversation(t, db, Subject{})

	e := &OutboxEntry{ClientID: "cid-1", ConversationID: c.ID, Sender: alice, Kind: KindText, Body: "hi"}
	if err := db.QueueOutbox(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox(ctx, e); err == nil {
		t.Error("queueing the same client id twice should fail")
	}

	pending, err := db.PendingOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Status != OutboxQueued || pending[0].Sender != alice {
		t.Fatalf("pending = %+v", pending)
	}

	if err := db.MarkOutboxSending(ctx, "cid-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed(ctx, "cid-1", "boom"); err != nil {
		t.Fatal(err)
	}
	got, err := db.OutboxEntry(ctx, "cid-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OutboxFailed || got.Attempts != 1 || got.LastError != "boom" {
		t.Errorf("after failure: %+v", got)
	}
	if pending, _ := db.PendingOutbox(ctx); len(pending) != 0 {
		t.Errorf("failed entry still pending: %+v", pending)
	}
	if und, _ := db.UndeliveredOutbox(ctx, c.ID); len(und) != 1 {
		t.Errorf("undelivered = %d, want 1", len(und))
	}

	ok, err := db.RequeueOutbox(ctx, "cid-1")
	if err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}
	if err := db.MarkOutboxSent(ctx, "cid-1", 42); err != nil {
		t.Fatal(err)
	}
	got, _ = db.OutboxEntry(ctx, "cid-1")
	if got.Status != OutboxSent || got.MessageID != 42 {
		t.Errorf("after sent: %+v", got)
	}
	if ok, _ := db.RequeueOutbox(ctx, "cid-1"); ok {
		t.Error("a sent entry must not be requeued")
	}
	if err := db.MarkOutboxSent(ctx, "missing", 1); !errors.Is(err, ErrOutboxNotFound) {
		t.Errorf("MarkOutboxSent(missing) err = %v", err)
	}
}

// collector records snapshots delivered to one subscription.
type collector struct {
	mu    sync.Mutex
	snaps [][]Message
	ch    chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 100)}
}

func (c *collector) fn(msgs []Message) {
	c.mu.Lock()
	c.snaps = append(c.snaps, msgs)
	c.mu.Unlock()
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

func (c *collector) last() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snaps) == 0 {
		return nil
	}
	return c.snaps[len(c.snaps)-1]
}

// waitFor waits until the latest snapshot has n messages.
func (c *collector) waitFor(t *testing.T, n int) []Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if msgs := c.last(); len(msgs) == n {
			return msgs
		}
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("timeout waiting for %d messages, last snapshot has %d", n, len(c.last()))
		}
	}
}

func testLog(t *testing.T, feed Feed) *Log {
	t.Helper()
	l := NewLog(testDB(t), feed, nil, nil)
	l.MaxReconnectInterval = 20 * time.Millisecond
	l.Start(context.Background())
	t.Cleanup(l.Stop)
	return l
}

func TestSubscribeDeliversInitialSnapshotAndOwnAppend(t *testing.T) {
	l := testLog(t, nil)
	ctx := context.Background()
	c, err := l.CreateConversation(ctx, alice, Subject{Kind: SubjectSupport, ID: alice.UserID})
	if err != nil {
		t.Fatal(err)
	}

	col := newCollector()
	sub, err := l.Subscribe(ctx, c.ID, col.fn)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	col.waitFor(t, 0)

	if _, err := l.Append(ctx, c.ID, text("a", alice, "mine")); err != nil {
		t.Fatal(err)
	}
	msgs := col.waitFor(t, 1)
	if msgs[0].ClientID != "a" {
		t.Errorf("got %+v", msgs[0])
	}

	if _, err := l.Subscribe(ctx, "missing", col.fn); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("Subscribe(missing) err = %v", err)
	}
}

func TestStaffViewReceivesInitiatorText(t *testing.T) {
	l := testLog(t, nil)
	ctx := context.Background()
	c, _ := l.CreateConversation(ctx, alice, Subject{Kind: SubjectRFQ, ID: "C1"})

	staff := newCollector()
	sub, err := l.Subscribe(ctx, c.ID, staff.fn)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	const body = "What is the price for 500kg?"
	if _, err := l.Append(ctx, c.ID, text("q", alice, body)); err != nil {
		t.Fatal(err)
	}
	msgs := staff.waitFor(t, 1)
	m := msgs[0]
	if m.Kind != KindText || m.SenderRole != identity.Initiator || m.Body != body || m.Read {
		t.Errorf("staff received %+v", m)
	}
}

func TestIndependentSubscribersSeeSameOrder(t *testing.T) {
	l := testLog(t, nil)
	ctx := context.Background()
	c, _ := l.CreateConversation(ctx, alice, Subject{})

	a, b := newCollector(), newCollector()
	subA, _ := l.Subscribe(ctx, c.ID, a.fn)
	defer subA.Close()

	const n = 40
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sender := alice
			if i%2 == 1 {
				sender = sam
			}
			if _, err := l.Append(ctx, c.ID, text(fmt.Sprintf("m%d", i), sender, "x")); err != nil {
				t.Error(err)
			}
		}()
		if i == n/2 {
			subB, _ := l.Subscribe(ctx, c.ID, b.fn)
			defer subB.Close()
		}
	}
	wg.Wait()

	gotA := a.waitFor(t, n)
	gotB := b.waitFor(t, n)
	for i := range gotA {
		if gotA[i].ID != gotB[i].ID {
			t.Fatalf("order differs at %d: %d vs %d", i, gotA[i].ID, gotB[i].ID)
		}
		if i > 0 && gotA[i].Before(gotA[i-1]) {
			t.Fatalf("snapshot out of order at %d", i)
		}
	}

	// Every snapshot a subscriber saw is a prefix of the final order.
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, snap := range a.snaps {
		for i := range snap {
			if snap[i].ID != gotA[i].ID {
				t.Fatalf("intermediate snapshot diverges at %d", i)
			}
		}
	}
}

func TestMarkReadNotifiesOnce(t *testing.T) {
	l := testLog(t, nil)
	ctx := context.Background()
	c, _ := l.CreateConversation(ctx, alice, Subject{})
	m, err := l.Append(ctx, c.ID, text("a", alice, "hi"))
	if err != nil {
		t.Fatal(err)
	}

	col := newCollector()
	sub, _ := l.Subscribe(ctx, c.ID, col.fn)
	defer sub.Close()
	col.waitFor(t, 1)

	if err := l.MarkRead(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for msgs := col.last(); !msgs[0].Read; msgs = col.last() {
		select {
		case <-col.ch:
		case <-deadline:
			t.Fatal("read flag never delivered")
		}
	}
	if err := l.MarkRead(ctx, m.ID); err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
}

func TestSubscriptionClose(t *testing.T) {
	l := testLog(t, nil)
	ctx := context.Background()
	c, _ := l.CreateConversation(ctx, alice, Subject{})

	col := newCollector()
	sub, _ := l.Subscribe(ctx, c.ID, col.fn)
	col.waitFor(t, 0)
	sub.Close()
	sub.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed")
	}
	if sub.Err() != nil {
		t.Errorf("Err() = %v after Close", sub.Err())
	}
	if l.Subscriptions() != 0 {
		t.Errorf("Subscriptions() = %d, want 0", l.Subscriptions())
	}
}

// flakyFeed drops its connection each time drop is signalled.
type flakyFeed struct {
	drop  chan struct{}
	ready chan struct{}
}

func (f *flakyFeed) Publish(context.Context, string) error { return nil }

func (f *flakyFeed) Run(ctx context.Context, ready func(), _ func(string)) error {
	ready()
	f.ready <- struct{}{}
	select {
	case <-f.drop:
		return errors.New("connection reset")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestFeedLossClosesSubscriptions(t *testing.T) {
	feed := &flakyFeed{drop: make(chan struct{}), ready: make(chan struct{}, 4)}
	l := testLog(t, feed)
	<-feed.ready

	var (
		mu     sync.Mutex
		health []bool
	)
	l.SetHealthFunc(func(up bool, _ error) {
		mu.Lock()
		health = append(health, up)
		mu.Unlock()
	})

	ctx := context.Background()
	c, _ := l.CreateConversation(ctx, alice, Subject{})
	sub, _ := l.Subscribe(ctx, c.ID, func([]Message) {})

	feed.drop <- struct{}{}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed on feed loss")
	}
	if !errors.Is(sub.Err(), ErrChannelLost) {
		t.Errorf("Err() = %v, want ErrChannelLost", sub.Err())
	}

	select {
	case <-feed.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("feed not reconnected")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(health) < 2 || health[0] || !health[1] {
		t.Errorf("health transitions = %v, want [false true]", health)
	}
}
