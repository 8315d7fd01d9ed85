package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmutati/jamii/core"
)

type fakeRepo struct {
	mutex sync.Mutex
	table map[string]*Notification

	failWrites bool
}

var _ Repository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{table: make(map[string]*Notification)}
}

func (repo *fakeRepo) CreateNotification(_ context.Context, n Notification) (Notification, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	repo.table[n.ID] = &n
	return n, nil
}

func (repo *fakeRepo) QueryUserNotifications(_ context.Context, userID string) ([]Notification, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	var ns []Notification
	for _, n := range repo.table {
		if n.UserID == userID {
			ns = append(ns, *n)
		}
	}
	sort.Slice(ns, func(i, j int) bool { return ns[i].CreatedAt.After(ns[j].CreatedAt) })
	return ns, nil
}

func (repo *fakeRepo) GetNotificationByID(_ context.Context, id string) (Notification, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	if n, ok := repo.table[id]; ok {
		return *n, nil
	}
	return Notification{}, ErrNotFound
}

func (repo *fakeRepo) MarkNotificationsRead(_ context.Context, ids ...string) error {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	if repo.failWrites {
		return errors.New("write failed")
	}
	for _, id := range ids {
		if n, ok := repo.table[id]; ok {
			n.Read = true
		}
	}
	return nil
}

func (repo *fakeRepo) MarkAllNotificationsRead(_ context.Context, userID string) error {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	if repo.failWrites {
		return errors.New("write failed")
	}
	for _, n := range repo.table {
		if n.UserID == userID {
			n.Read = true
		}
	}
	return nil
}

func setup(t *testing.T) (*Service, *fakeRepo) {
	repo := newFakeRepo()
	svc := NewService(repo, core.NewStdLogger(log.New(io.Discard, "", 0)), "user1")
	svc.toastTTL = 20 * time.Millisecond
	return svc, repo
}

func seed(t *testing.T, repo *fakeRepo, count int, read bool) []Notification {
	base := time.Now().UTC()
	ns := make([]Notification, 0, count)
	for i := 0; i < count; i++ {
		n, err := repo.CreateNotification(context.Background(), Notification{
			UserID:    "user1",
			Message:   fmt.Sprintf("notif %d", i),
			Read:      read,
			Origin:    OriginRealtime,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ns = append(ns, n)
	}
	return ns
}

func TestService_refreshAndOrdering(t *testing.T) {
	svc, repo := setup(t)
	ns := seed(t, repo, 3, false)

	require.NoError(t, svc.Refresh(context.Background()))

	got := svc.List()
	require.Len(t, got, 3)
	// newest first
	assert.Equal(t, ns[2].ID, got[0].ID)
	assert.Equal(t, ns[1].ID, got[1].ID)
	assert.Equal(t, ns[0].ID, got[2].ID)
}

func TestService_unreadCountExcludesToasts(t *testing.T) {
	svc, repo := setup(t)
	seed(t, repo, 2, false)
	seed(t, repo, 1, true)
	require.NoError(t, svc.Refresh(context.Background()))

	assert.Equal(t, 2, svc.UnreadCount())

	svc.PushToast("saved", SeveritySuccess)
	assert.Equal(t, 2, svc.UnreadCount())
	assert.Len(t, svc.List(), 4) // toast is still listed
}

func TestService_addDeduplicatesByID(t *testing.T) {
	svc, _ := setup(t)

	n := Notification{ID: "n1", UserID: "user1", Message: "hi", Origin: OriginPush, CreatedAt: time.Now().UTC()}
	svc.Add(n)
	// same record arriving via the other delivery channel
	n.Origin = OriginRealtime
	svc.Add(n)

	assert.Len(t, svc.List(), 1)
	assert.Equal(t, 1, svc.UnreadCount())
}

func TestService_markRead(t *testing.T) {
	svc, repo := setup(t)
	ns := seed(t, repo, 2, false)
	require.NoError(t, svc.Refresh(context.Background()))

	require.NoError(t, svc.MarkRead(context.Background(), ns[0].ID))
	assert.Equal(t, 1, svc.UnreadCount())

	stored, err := repo.GetNotificationByID(context.Background(), ns[0].ID)
	require.NoError(t, err)
	assert.True(t, stored.Read)

	// idempotent
	require.NoError(t, svc.MarkRead(context.Background(), ns[0].ID))
	assert.Equal(t, 1, svc.UnreadCount())

	assert.Equal(t, ErrNotFound, svc.MarkRead(context.Background(), "nope"))
}

func TestService_markReadRevertsOnRepoFailure(t *testing.T) {
	svc, repo := setup(t)
	ns := seed(t, repo, 1, false)
	require.NoError(t, svc.Refresh(context.Background()))

	repo.failWrites = true
	err := svc.MarkRead(context.Background(), ns[0].ID)
	require.Error(t, err)

	// local state matches the store again
	assert.Equal(t, 1, svc.UnreadCount())
	stored, err := repo.GetNotificationByID(context.Background(), ns[0].ID)
	require.NoError(t, err)
	assert.False(t, stored.Read)
}

func TestService_markAllRead(t *testing.T) {
	svc, repo := setup(t)
	seed(t, repo, 3, false)
	require.NoError(t, svc.Refresh(context.Background()))

	require.NoError(t, svc.MarkAllRead(context.Background()))
	assert.Equal(t, 0, svc.UnreadCount())

	ns, err := repo.QueryUserNotifications(context.Background(), "user1")
	require.NoError(t, err)
	for _, n := range ns {
		assert.True(t, n.Read)
	}
}

func TestService_markAllReadRevertsOnRepoFailure(t *testing.T) {
	svc, repo := setup(t)
	seed(t, repo, 2, false)
	require.NoError(t, svc.Refresh(context.Background()))

	repo.failWrites = true
	require.Error(t, svc.MarkAllRead(context.Background()))
	assert.Equal(t, 2, svc.UnreadCount())
}

func TestService_toastExpires(t *testing.T) {
	svc, _ := setup(t)

	toast := svc.PushToast("heads up", SeverityInfo)
	assert.True(t, toast.Read)
	assert.True(t, toast.Transient)
	assert.Equal(t, OriginLocal, toast.Origin)
	require.Len(t, svc.List(), 1)

	assert.Eventually(t, func() bool { return len(svc.List()) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestService_subscribeSignalsOnChange(t *testing.T) {
	svc, repo := setup(t)
	seed(t, repo, 1, false)

	id, ch := svc.Subscribe()
	defer svc.Unsubscribe(id)

	require.NoError(t, svc.Refresh(context.Background()))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change signal after Refresh()")
	}

	// signals coalesce instead of blocking producers
	svc.Add(Notification{ID: "a", UserID: "user1", CreatedAt: time.Now().UTC()})
	svc.Add(Notification{ID: "b", UserID: "user1", CreatedAt: time.Now().UTC()})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change signal after Add()")
	}
}

func TestService_confirmGateResolvesOnce(t *testing.T) {
	svc, _ := setup(t)

	gate := svc.Confirm("Delete this post?")
	gate.Confirm()
	gate.Cancel() // ignored

	confirmed, ok := <-gate.Result()
	assert.True(t, ok)
	assert.True(t, confirmed)

	// closed after resolution
	_, ok = <-gate.Result()
	assert.False(t, ok)
}

func TestService_confirmReplacesOpenGate(t *testing.T) {
	svc, _ := setup(t)

	first := svc.Confirm("first?")
	second := svc.Confirm("second?")

	// replaced gate resolves to cancel without user action
	confirmed := <-first.Result()
	assert.False(t, confirmed)

	second.Confirm()
	assert.True(t, <-second.Result())
}

func TestService_onlineFlag(t *testing.T) {
	svc, _ := setup(t)
	assert.True(t, svc.Online())

	id, ch := svc.Subscribe()
	defer svc.Unsubscribe(id)

	svc.SetOnline(false)
	assert.False(t, svc.Online())
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change signal after SetOnline()")
	}
}
