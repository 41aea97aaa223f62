package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/convo/internal/attachment"
	"github.com/matheus3301/convo/internal/dispatch"
	"github.com/matheus3301/convo/internal/engine"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/objectstore"
	"github.com/matheus3301/convo/internal/outbox"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/store"
	"github.com/matheus3301/convo/internal/voice"
	"go.uber.org/zap"
)

var (
	alice = identity.Identity{UserID: "cust-1", DisplayName: "Alice", Role: identity.Initiator}
	bob   = identity.Identity{UserID: "cust-2", DisplayName: "Bob", Role: identity.Initiator}
	sam   = identity.Identity{UserID: "staff-1", DisplayName: "Sam", Role: identity.Staff}
)

type fixture struct {
	srv      *httptest.Server
	verifier *identity.Verifier
	machine  *status.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "convo.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	log := store.NewLog(db, nil, nil, logger)
	live := dispatch.New(log, dispatch.Options{}, logger)
	t.Cleanup(live.Close)
	sender := outbox.NewSender(db, log, live, outbox.Options{}, nil, logger)
	if err := sender.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sender.Stop)
	objects, err := objectstore.NewLocal(filepath.Join(dir, "files"), "/files", 0, logger)
	if err != nil {
		t.Fatal(err)
	}
	pipeline := attachment.New(objects, attachment.Options{}, nil, logger)
	eng := engine.New(log, live, sender, pipeline, nil, voice.Options{}, nil, logger)

	verifier := identity.NewVerifier("test-secret", "convo")
	machine := status.NewMachine(nil)
	s := New(Options{FilesDir: filepath.Join(dir, "files")}, eng, verifier, machine, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, verifier: verifier, machine: machine}
}

func (f *fixture) token(t *testing.T, who identity.Identity) string {
	t.Helper()
	token, err := f.verifier.Issue(who, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (f *fixture) do(t *testing.T, who identity.Identity, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token(t, who))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) create(t *testing.T, who identity.Identity) store.Conversation {
	t.Helper()
	var conv store.Conversation
	if code := f.do(t, who, http.MethodPost, "/v1/conversations", createBody{SubjectKind: "order", SubjectID: "o-1"}, &conv); code != http.StatusCreated {
		t.Fatalf("create = %d", code)
	}
	return conv
}

func TestHealthFollowsMachine(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	if err := f.machine.Transition(status.Stopping); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz while stopping = %d", resp.StatusCode)
	}
}

func TestRequiresToken(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/v1/conversations")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d", resp.StatusCode)
	}

	resp, err = http.Get(f.srv.URL + "/v1/conversations?token=garbage")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", resp.StatusCode)
	}
}

func TestSendListAndRead(t *testing.T) {
	f := newFixture(t)
	conv := f.create(t, alice)

	var entry store.OutboxEntry
	code := f.do(t, alice, http.MethodPost, "/v1/conversations/"+conv.ID+"/messages",
		sendBody{Text: "Hello", ClientID: "c-1", Wait: true}, &entry)
	if code != http.StatusAccepted {
		t.Fatalf("send = %d", code)
	}
	if entry.Status != store.OutboxSent || entry.MessageID == 0 {
		t.Fatalf("entry = %+v", entry)
	}

	var list struct {
		Messages []store.Message     `json:"messages"`
		Pending  []store.OutboxEntry `json:"pending"`
	}
	if code := f.do(t, sam, http.MethodGet, "/v1/conversations/"+conv.ID+"/messages", nil, &list); code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if len(list.Messages) != 1 || list.Messages[0].Body != "Hello" || list.Messages[0].Read {
		t.Fatalf("messages = %+v", list.Messages)
	}

	path := "/v1/messages/" + jsonInt(list.Messages[0].ID) + "/read"
	if code := f.do(t, sam, http.MethodPost, path, nil, nil); code != http.StatusNoContent {
		t.Fatalf("read = %d", code)
	}
	f.do(t, alice, http.MethodGet, "/v1/conversations/"+conv.ID+"/messages", nil, &list)
	if !list.Messages[0].Read {
		t.Fatal("message not marked read")
	}
}

func TestOtherInitiatorForbidden(t *testing.T) {
	f := newFixture(t)
	conv := f.create(t, alice)

	code := f.do(t, bob, http.MethodPost, "/v1/conversations/"+conv.ID+"/messages", sendBody{Text: "hi"}, nil)
	if code != http.StatusForbidden {
		t.Fatalf("foreign send = %d, want 403", code)
	}
	code = f.do(t, alice, http.MethodGet, "/v1/conversations/nope/messages", nil, nil)
	if code != http.StatusNotFound {
		t.Fatalf("unknown conversation = %d, want 404", code)
	}
	code = f.do(t, alice, http.MethodPost, "/v1/conversations", createBody{SubjectKind: "planet", SubjectID: "x"}, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("bad subject = %d, want 400", code)
	}
}

func TestAttachmentUpload(t *testing.T) {
	f := newFixture(t)
	conv := f.create(t, alice)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("quarterly numbers\n"))
	_ = mw.WriteField("kind", "document")
	_ = mw.WriteField("caption", "see attached")
	_ = mw.WriteField("wait", "true")
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/conversations/"+conv.ID+"/attachments", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+f.token(t, alice))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("attach = %d", resp.StatusCode)
	}
	var entry store.OutboxEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatal(err)
	}
	if entry.Kind != store.KindDocument || entry.Attachment == nil || entry.Body != "see attached" {
		t.Fatalf("entry = %+v", entry)
	}
	if !strings.HasPrefix(entry.Attachment.MimeType, "text/plain") {
		t.Fatalf("mime = %q", entry.Attachment.MimeType)
	}

	file, err := http.Get(f.srv.URL + entry.Attachment.URL)
	if err != nil {
		t.Fatal(err)
	}
	file.Body.Close()
	if file.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d", entry.Attachment.URL, file.StatusCode)
	}
}

func TestLiveStreamsDeltasAndAcks(t *testing.T) {
	f := newFixture(t)
	conv := f.create(t, alice)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/conversations/" + conv.ID + "/live?token=" + f.token(t, sam)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first serverFrame
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "delta" || first.Delta == nil || !first.Delta.Initial {
		t.Fatalf("first frame = %+v", first)
	}

	if err := ws.WriteJSON(clientFrame{Type: "focus"}); err != nil {
		t.Fatal(err)
	}
	code := f.do(t, alice, http.MethodPost, "/v1/conversations/"+conv.ID+"/messages", sendBody{Text: "ping", ClientID: "c-1", Wait: true}, nil)
	if code != http.StatusAccepted {
		t.Fatalf("send = %d", code)
	}
	if err := ws.WriteJSON(clientFrame{Type: "send", Text: "pong", ClientID: "s-1"}); err != nil {
		t.Fatal(err)
	}

	var sawPing, sawAck, sawPong bool
	for !(sawPing && sawAck && sawPong) {
		var fr serverFrame
		if err := ws.ReadJSON(&fr); err != nil {
			t.Fatalf("read: %v (ping=%v ack=%v pong=%v)", err, sawPing, sawAck, sawPong)
		}
		switch fr.Type {
		case "ack":
			sawAck = fr.Entry != nil && fr.Entry.ClientID == "s-1"
		case "delta":
			for _, m := range fr.Delta.Added {
				sawPing = sawPing || m.Body == "ping"
				sawPong = sawPong || m.Body == "pong"
			}
		case "error":
			t.Fatalf("error frame: %s", fr.Error)
		}
	}
}

func TestLiveRejectsForeignConversation(t *testing.T) {
	f := newFixture(t)
	conv := f.create(t, alice)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/conversations/" + conv.ID + "/live?token=" + f.token(t, bob)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded for a non-participant")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v", resp)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[error]int{
		store.ErrConversationNotFound: http.StatusNotFound,
		engine.ErrNotParticipant:      http.StatusForbidden,
		store.ErrWriteRejected:        http.StatusConflict,
		store.ErrClientIDConflict:     http.StatusConflict,
		outbox.ErrEmptyMessage:        http.StatusBadRequest,
		context.DeadlineExceeded:      http.StatusGatewayTimeout,
	}
	for err, want := range cases {
		if got := httpStatus(err); got != want {
			t.Errorf("httpStatus(%v) = %d, want %d", err, got, want)
		}
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
