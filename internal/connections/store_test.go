package connections

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

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

type recordingNotifier struct {
	mu      sync.Mutex
	notices []string
}

func (n *recordingNotifier) NotifyDisplaced(tx *gorm.DB, userID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, userID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

func newTestStore(t *testing.T) (*Store, *gorm.DB, *recordingNotifier) {
	t.Helper()

	dsn := fmt.Sprintf("file:connections_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Connection{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	cipher, err := secrets.NewKeyedCipher(bytes.Repeat([]byte{0x21}, 32))
	if err != nil {
		t.Fatalf("failed to construct cipher: %v", err)
	}

	notifier := &recordingNotifier{}
	store, err := NewStore(StoreConfig{
		Database:   db,
		Cipher:     cipher,
		IDProvider: &sequenceIDGenerator{},
		Notifier:   notifier,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db, notifier
}

func TestCreatePendingLinkInsertsRow(t *testing.T) {
	store, db, _ := newTestStore(t)

	connection, err := store.CreatePendingLink(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if connection.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", connection.Status)
	}
	if connection.NotificationMode != ModeAll {
		t.Fatalf("expected default mode all, got %s", connection.NotificationMode)
	}

	var count int64
	if err := db.Model(&Connection{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestCreatePendingLinkRejectsConnectedUser(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreatePendingLink(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.CompleteLink(ctx, "user-a", "+15550001234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := store.CreatePendingLink(ctx, "user-a"); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked, got %v", err)
	}
}

func TestCreatePendingLinkResetsErroredRow(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreatePendingLink(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.MarkError(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	connection, err := store.CreatePendingLink(ctx, "user-a")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if connection.Status != StatusPending {
		t.Fatalf("expected pending status after retry, got %s", connection.Status)
	}
}

func TestCompleteLinkActivatesPendingRow(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreatePendingLink(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	connection, err := store.CompleteLink(ctx, "user-a", "+15550001234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if connection.Status != StatusConnected {
		t.Fatalf("expected connected status, got %s", connection.Status)
	}
	if connection.LinkedAt == nil {
		t.Fatalf("expected linked_at to be stamped")
	}
	if connection.EncryptedPhone == "" || connection.PhoneHash == "" {
		t.Fatalf("expected ciphertext and hash to be stored")
	}
	if connection.EncryptedPhone == "+15550001234" {
		t.Fatalf("phone stored in the clear")
	}

	phone, err := store.PhoneNumber(connection)
	if err != nil {
		t.Fatalf("failed to decrypt phone: %v", err)
	}
	if phone != "+15550001234" {
		t.Fatalf("unexpected phone %q", phone)
	}
}

func TestCompleteLinkWithoutPendingRowFails(t *testing.T) {
	store, _, _ := newTestStore(t)

	if _, err := store.CompleteLink(context.Background(), "user-a", "+15550001234"); !errors.Is(err, ErrLinkNotStarted) {
		t.Fatalf("expected ErrLinkNotStarted, got %v", err)
	}
}

func TestCompleteLinkDisplacesExistingHolder(t *testing.T) {
	store, db, notifier := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreatePendingLink(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.CompleteLink(ctx, "user-a", "+15550001234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := store.CreatePendingLink(ctx, "user-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	activated, err := store.CompleteLink(ctx, "user-b", "+15550001234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if activated.Status != StatusConnected {
		t.Fatalf("expected user-b connected, got %s", activated.Status)
	}

	// The displaced holder's row, and with it the encrypted phone and
	// lookup hash, must be gone.
	if _, err := store.GetByUser(ctx, "user-a"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected user-a to be purged, got %v", err)
	}

	var rows []Connection
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(rows) != 1 || rows[0].UserID != "user-b" {
		t.Fatalf("expected exactly user-b's row, got %+v", rows)
	}

	if notifier.count() != 1 || notifier.notices[0] != "user-a" {
		t.Fatalf("expected exactly one displacement notice for user-a, got %v", notifier.notices)
	}
}

func TestCompleteLinkSamePhoneSameUserIsNotConflict(t *testing.T) {
	store, _, notifier := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreatePendingLink(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.CompleteLink(ctx, "user-a", "+15550001234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Relink after disconnect keeps the same number without displacement.
	if err := store.Disconnect(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.CreatePendingLink(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.CompleteLink(ctx, "user-a", "+15550001234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if notifier.count() != 0 {
		t.Fatalf("expected no displacement notices, got %d", notifier.count())
	}
}

func TestPhoneHashUniquenessUnderConcurrentLinking(t *testing.T) {
	store, db, _ := newTestStore(t)
	ctx := context.Background()

	users := []string{"user-a", "user-b", "user-c", "user-d"}
	for _, user := range users {
		if _, err := store.CreatePendingLink(ctx, user); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			// Losers of the race may themselves be displaced; only the
			// invariant below matters.
			_, _ = store.CompleteLink(ctx, userID, "+15550001234")
		}(user)
	}
	wg.Wait()

	hash := store.PhoneHash("+15550001234")
	var connected int64
	err := db.Model(&Connection{}).
		Where("phone_hash = ? AND status = ?", hash, StatusConnected).
		Count(&connected).Error
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if connected != 1 {
		t.Fatalf("expected exactly one connected row for the hash, got %d", connected)
	}
}

func TestGetByPhoneHashResolvesSender(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreatePendingLink(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.CompleteLink(ctx, "user-a", "+15550001234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	connection, err := store.GetByPhoneHash(ctx, store.PhoneHash("+15550001234"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if connection.UserID != "user-a" {
		t.Fatalf("unexpected user %q", connection.UserID)
	}

	if _, err := store.GetByPhoneHash(ctx, store.PhoneHash("+15550009999")); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked for unknown hash, got %v", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	store, db, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Disconnect(ctx, "user-never-linked"); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}

	if _, err := store.CreatePendingLink(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.CompleteLink(ctx, "user-a", "+15550001234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Disconnect(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Disconnect(ctx, "user-a"); err != nil {
		t.Fatalf("expected repeated disconnect to succeed, got %v", err)
	}

	var count int64
	if err := db.Model(&Connection{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no rows after disconnect, got %d", count)
	}
}

func TestUpdatePreference(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreatePendingLink(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.UpdatePreference(ctx, "user-a", ModeActionsOnly); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	connection, err := store.GetByUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if connection.NotificationMode != ModeActionsOnly {
		t.Fatalf("expected actions_only, got %s", connection.NotificationMode)
	}

	if err := store.UpdatePreference(ctx, "user-unknown", ModeNone); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
}

func TestUpdateLastActiveProject(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreatePendingLink(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.UpdateLastActiveProject(ctx, "user-a", "project-beta"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	connection, err := store.GetByUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if connection.LastActiveProject != "project-beta" {
		t.Fatalf("unexpected project %q", connection.LastActiveProject)
	}
}

func TestParseNotificationMode(t *testing.T) {
	cases := []struct {
		input string
		mode  NotificationMode
		ok    bool
	}{
		{"all", ModeAll, true},
		{" Actions_Only ", ModeActionsOnly, true},
		{"confirmations_only", ModeConfirmationsOnly, true},
		{"none", ModeNone, true},
		{"sometimes", "", false},
		{"", "", false},
	}
	for _, testCase := range cases {
		mode, ok := ParseNotificationMode(testCase.input)
		if ok != testCase.ok || mode != testCase.mode {
			t.Fatalf("ParseNotificationMode(%q) = (%q, %v), want (%q, %v)",
				testCase.input, mode, ok, testCase.mode, testCase.ok)
		}
	}
}
