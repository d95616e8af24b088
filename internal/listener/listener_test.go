package listener

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tasklane/signal-bridge/internal/audit"
	"github.com/tasklane/signal-bridge/internal/connections"
	"github.com/tasklane/signal-bridge/internal/gateway"
	"github.com/tasklane/signal-bridge/internal/secrets"
)

type sequenceIDGenerator struct {
	mu    sync.Mutex
	index int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.index++
	return fmt.Sprintf("id-%d", g.index), nil
}

type recordedReply struct {
	recipient string
	text      string
	styled    bool
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []recordedReply
}

func (r *fakeReplier) SendMessage(ctx context.Context, recipient, text string, styled bool) (gateway.SendReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, recordedReply{recipient: recipient, text: text, styled: styled})
	return gateway.SendReceipt{}, nil
}

type recordedChatMessage struct {
	userID    string
	projectID string
	body      string
	role      string
}

type fakeChatPipeline struct {
	mu       sync.Mutex
	err      error
	messages []recordedChatMessage
}

func (p *fakeChatPipeline) AddMessage(ctx context.Context, userID, projectID, body, authorRole string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, recordedChatMessage{userID: userID, projectID: projectID, body: body, role: authorRole})
	return fmt.Sprintf("chat-%d", len(p.messages)), nil
}

type listenerFixture struct {
	listener *Listener
	store    *connections.Store
	db       *gorm.DB
	replier  *fakeReplier
	chat     *fakeChatPipeline
	stream   chan gateway.InboundMessage
}

func newListenerFixture(t *testing.T) *listenerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:listener_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&connections.Connection{}, &audit.SignalMessage{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	cipher, err := secrets.NewKeyedCipher(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatalf("failed to construct cipher: %v", err)
	}
	ids := &sequenceIDGenerator{}
	store, err := connections.NewStore(connections.StoreConfig{
		Database:   db,
		Cipher:     cipher,
		IDProvider: ids,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	auditLog, err := audit.NewLog(audit.LogConfig{Database: db, IDProvider: ids})
	if err != nil {
		t.Fatalf("failed to construct audit log: %v", err)
	}

	replier := &fakeReplier{}
	chat := &fakeChatPipeline{}
	stream := make(chan gateway.InboundMessage, 8)
	listener, err := New(Config{
		Receive: func(ctx context.Context) <-chan gateway.InboundMessage { return stream },
		Replier: replier,
		Store:   store,
		Audit:   auditLog,
		Chat:    chat,
	})
	if err != nil {
		t.Fatalf("failed to construct listener: %v", err)
	}
	return &listenerFixture{listener: listener, store: store, db: db, replier: replier, chat: chat, stream: stream}
}

func (f *listenerFixture) linkUser(t *testing.T, userID, phone string) *connections.Connection {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.CreatePendingLink(ctx, userID); err != nil {
		t.Fatalf("failed to create pending link: %v", err)
	}
	connection, err := f.store.CompleteLink(ctx, userID, phone)
	if err != nil {
		t.Fatalf("failed to complete link: %v", err)
	}
	return connection
}

// runMessages drives the listener through the queued messages and shuts the
// stream down so Run returns.
func (f *listenerFixture) runMessages(t *testing.T, messages ...gateway.InboundMessage) {
	t.Helper()
	for _, message := range messages {
		f.stream <- message
	}
	close(f.stream)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.listener.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("listener did not stop")
	}
}

func (f *listenerFixture) auditRecords(t *testing.T) []audit.SignalMessage {
	t.Helper()
	var records []audit.SignalMessage
	if err := f.db.Order("id").Find(&records).Error; err != nil {
		t.Fatalf("find failed: %v", err)
	}
	return records
}

func TestInboundTextForwardedToChat(t *testing.T) {
	fixture := newListenerFixture(t)
	connection := fixture.linkUser(t, "user-a", "+15550001234")

	fixture.runMessages(t, gateway.InboundMessage{Source: "+15550001234", Text: "add milk to the launch checklist"})

	if len(fixture.chat.messages) != 1 {
		t.Fatalf("expected 1 chat message, got %d", len(fixture.chat.messages))
	}
	forwarded := fixture.chat.messages[0]
	if forwarded.userID != "user-a" || forwarded.role != "user" {
		t.Fatalf("unexpected attribution: %+v", forwarded)
	}
	if forwarded.body != "add milk to the launch checklist" {
		t.Fatalf("unexpected body %q", forwarded.body)
	}
	if len(fixture.replier.replies) != 0 {
		t.Fatalf("expected no auto-reply, got %+v", fixture.replier.replies)
	}

	records := fixture.auditRecords(t)
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	if records[0].Direction != audit.DirectionInbound || records[0].Status != audit.StatusDelivered {
		t.Fatalf("unexpected audit record: %+v", records[0])
	}
	if records[0].ConnectionID != connection.ID {
		t.Fatalf("unexpected connection id %q", records[0].ConnectionID)
	}
}

func TestInboundUsesLastActiveProject(t *testing.T) {
	fixture := newListenerFixture(t)
	fixture.linkUser(t, "user-a", "+15550001234")
	if err := fixture.store.UpdateLastActiveProject(context.Background(), "user-a", "project-alpha"); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}

	fixture.runMessages(t, gateway.InboundMessage{Source: "+15550001234", Text: "status update please"})

	if len(fixture.chat.messages) != 1 {
		t.Fatalf("expected 1 chat message, got %d", len(fixture.chat.messages))
	}
	if fixture.chat.messages[0].projectID != "project-alpha" {
		t.Fatalf("unexpected project %q", fixture.chat.messages[0].projectID)
	}
}

func TestProjectMarkerSwitchesProject(t *testing.T) {
	fixture := newListenerFixture(t)
	fixture.linkUser(t, "user-a", "+15550001234")
	if err := fixture.store.UpdateLastActiveProject(context.Background(), "user-a", "project-alpha"); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}

	fixture.runMessages(t, gateway.InboundMessage{Source: "+15550001234", Text: "#project-beta ship the beta announcement"})

	if len(fixture.chat.messages) != 1 {
		t.Fatalf("expected 1 chat message, got %d", len(fixture.chat.messages))
	}
	forwarded := fixture.chat.messages[0]
	if forwarded.projectID != "project-beta" {
		t.Fatalf("unexpected project %q", forwarded.projectID)
	}
	if forwarded.body != "ship the beta announcement" {
		t.Fatalf("marker not stripped: %q", forwarded.body)
	}

	// The switch persists for subsequent messages.
	connection, err := fixture.store.GetByUser(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if connection.LastActiveProject != "project-beta" {
		t.Fatalf("expected project switch to persist, got %q", connection.LastActiveProject)
	}
}

func TestUnlinkedSenderGetsAutoReply(t *testing.T) {
	fixture := newListenerFixture(t)

	fixture.runMessages(t, gateway.InboundMessage{Source: "+15550009999", Text: "hello?"})

	if len(fixture.chat.messages) != 0 {
		t.Fatalf("expected no chat messages, got %+v", fixture.chat.messages)
	}
	if len(fixture.replier.replies) != 1 {
		t.Fatalf("expected 1 auto-reply, got %d", len(fixture.replier.replies))
	}
	reply := fixture.replier.replies[0]
	if reply.recipient != "+15550009999" {
		t.Fatalf("unexpected recipient %q", reply.recipient)
	}
	if !strings.Contains(reply.text, "not linked") {
		t.Fatalf("unexpected reply %q", reply.text)
	}

	records := fixture.auditRecords(t)
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	if records[0].Status != audit.StatusFailed || records[0].ConnectionID != "" {
		t.Fatalf("unexpected rejection record: %+v", records[0])
	}
	if strings.Contains(records[0].Preview, "hello") {
		t.Fatalf("unlinked content leaked into audit log: %q", records[0].Preview)
	}
}

func TestAttachmentGetsUnsupportedReply(t *testing.T) {
	fixture := newListenerFixture(t)
	connection := fixture.linkUser(t, "user-a", "+15550001234")

	fixture.runMessages(t, gateway.InboundMessage{Source: "+15550001234", Text: "see photo", HasAttachment: true})

	if len(fixture.chat.messages) != 0 {
		t.Fatalf("expected no chat messages, got %+v", fixture.chat.messages)
	}
	if len(fixture.replier.replies) != 1 {
		t.Fatalf("expected 1 auto-reply, got %d", len(fixture.replier.replies))
	}
	if !strings.Contains(fixture.replier.replies[0].text, "Only text messages") {
		t.Fatalf("unexpected reply %q", fixture.replier.replies[0].text)
	}

	records := fixture.auditRecords(t)
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	if records[0].Status != audit.StatusFailed || records[0].ConnectionID != connection.ID {
		t.Fatalf("unexpected rejection record: %+v", records[0])
	}
}

func TestEmptyTextGetsUnsupportedReply(t *testing.T) {
	fixture := newListenerFixture(t)
	fixture.linkUser(t, "user-a", "+15550001234")

	fixture.runMessages(t, gateway.InboundMessage{Source: "+15550001234", Text: "   "})

	if len(fixture.chat.messages) != 0 {
		t.Fatalf("expected no chat messages, got %+v", fixture.chat.messages)
	}
	if len(fixture.replier.replies) != 1 {
		t.Fatalf("expected 1 auto-reply, got %d", len(fixture.replier.replies))
	}
}

func TestOversizedInboundIsTruncated(t *testing.T) {
	fixture := newListenerFixture(t)
	fixture.linkUser(t, "user-a", "+15550001234")

	fixture.runMessages(t, gateway.InboundMessage{Source: "+15550001234", Text: strings.Repeat("a", 150000)})

	if len(fixture.chat.messages) != 1 {
		t.Fatalf("expected 1 chat message, got %d", len(fixture.chat.messages))
	}
	if got := len(fixture.chat.messages[0].body); got != maxInboundLength {
		t.Fatalf("expected body of %d bytes, got %d", maxInboundLength, got)
	}
}

func TestChatFailureSkipsAuditDelivered(t *testing.T) {
	fixture := newListenerFixture(t)
	fixture.linkUser(t, "user-a", "+15550001234")
	fixture.chat.err = fmt.Errorf("chat service down")

	fixture.runMessages(t, gateway.InboundMessage{Source: "+15550001234", Text: "hello"})

	if len(fixture.auditRecords(t)) != 0 {
		t.Fatalf("expected no audit records when forwarding fails")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fixture := newListenerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fixture.listener.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("listener did not stop on cancel")
	}
}

func TestParseProjectMarker(t *testing.T) {
	cases := []struct {
		body string
		slug string
		rest string
		ok   bool
	}{
		{"#project-beta ship it", "project-beta", "ship it", true},
		{"  #alpha\tnote", "alpha", "note", true},
		{"#solo", "solo", "", true},
		{"no marker here", "", "no marker here", false},
		{"# leading space", "", "# leading space", false},
		{"middle #tag stays", "", "middle #tag stays", false},
	}
	for _, testCase := range cases {
		slug, rest, ok := parseProjectMarker(testCase.body)
		if slug != testCase.slug || rest != testCase.rest || ok != testCase.ok {
			t.Fatalf("parseProjectMarker(%q) = (%q, %q, %v), want (%q, %q, %v)",
				testCase.body, slug, rest, ok, testCase.slug, testCase.rest, testCase.ok)
		}
	}
}
