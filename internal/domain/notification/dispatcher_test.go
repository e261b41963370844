package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcollect/internal/domain/sideeffect"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
	"github.com/drfirst/go-rxcollect/internal/store"
	"github.com/drfirst/go-rxcollect/internal/store/memory"
	"github.com/drfirst/go-rxcollect/pkg/apperror"
)

type recordingPusher struct {
	err      error
	payloads [][]byte
}

func (p *recordingPusher) Push(_ context.Context, _ string, payload []byte) error {
	p.payloads = append(p.payloads, payload)
	return p.err
}

func newDispatcher(pusher Pusher) (*Dispatcher, *memory.Store, *metrics.Metrics) {
	st := memory.New()
	m := metrics.Nop()
	now := time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC)
	return NewDispatcher(st, pusher, m, nil).WithClock(func() time.Time { return now }), st, m
}

func TestNotifyPersistsAndPushes(t *testing.T) {
	pusher := &recordingPusher{}
	d, _, m := newDispatcher(pusher)
	ctx := context.Background()

	out := d.Notify(ctx, "patient-1", TypePrescriptionReady, "Ready", "Collect with PIN 123456",
		Refs{PrescriptionID: "rx-1", Priority: PriorityHigh})
	require.True(t, out.OK())
	assert.Equal(t, sideeffect.KindNotification, out.Kind)

	list, err := d.List(ctx, "patient-1", false, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	n := list[0]
	assert.Equal(t, out.Ref, n.ID)
	assert.Equal(t, "rx-1", n.PrescriptionID)
	assert.Equal(t, PriorityHigh, n.Priority)
	assert.False(t, n.IsRead)
	require.NotNil(t, n.SentAt)
	assert.True(t, n.SentAt.Equal(n.CreatedAt))

	require.Len(t, pusher.payloads, 1)
	var event Event
	require.NoError(t, json.Unmarshal(pusher.payloads[0], &event))
	assert.Equal(t, "notification", event.Type)
	assert.Equal(t, n.ID, event.Data.ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationsCreated.WithLabelValues(string(TypePrescriptionReady))))
}

func TestNotifyDefaultsPriority(t *testing.T) {
	d, _, _ := newDispatcher(nil)
	out := d.Notify(context.Background(), "u1", TypeReminder, "Reminder", "Waiting", Refs{})
	require.True(t, out.OK())

	list, err := d.List(context.Background(), "u1", false, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, PriorityNormal, list[0].Priority)
}

func TestPushFailureStillPersists(t *testing.T) {
	pusher := &recordingPusher{err: errors.New("no live connection")}
	d, _, m := newDispatcher(pusher)

	out := d.Notify(context.Background(), "u1", TypePrescriptionApproved, "Approved", "Approved", Refs{})
	assert.True(t, out.OK())

	count, err := d.UnreadCount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PushDropped))

	list, err := d.List(context.Background(), "u1", false, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].SentAt, "an undelivered notification is not marked sent")
}

func TestNoPusherLeavesSentAtUnset(t *testing.T) {
	d, _, _ := newDispatcher(nil)
	require.True(t, d.Notify(context.Background(), "u1", TypeReminder, "Reminder", "Waiting", Refs{}).OK())

	list, err := d.List(context.Background(), "u1", false, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].SentAt)
}

func TestWriteFailureIsReported(t *testing.T) {
	pusher := &recordingPusher{}
	d, st, _ := newDispatcher(pusher)
	st.Collection(store.Notifications).(*memory.Collection).FailWrites = errors.New("disk full")

	out := d.Notify(context.Background(), "u1", TypePrescriptionApproved, "Approved", "Approved", Refs{})
	assert.False(t, out.OK())
	assert.Equal(t, "u1", out.Ref)
	assert.Empty(t, pusher.payloads, "nothing is pushed for an unsaved notification")
}

func TestMarkRead(t *testing.T) {
	d, _, _ := newDispatcher(nil)
	ctx := context.Background()
	out := d.Notify(ctx, "u1", TypeReminder, "Reminder", "Waiting", Refs{})
	require.True(t, out.OK())
	d.Notify(ctx, "u1", TypeReminder, "Reminder", "Still waiting", Refs{})

	first, err := d.MarkRead(ctx, out.Ref, "u1")
	require.NoError(t, err)
	assert.True(t, first.IsRead)
	require.NotNil(t, first.ReadAt)

	again, err := d.MarkRead(ctx, out.Ref, "u1")
	require.NoError(t, err)
	assert.True(t, again.IsRead)
	assert.True(t, first.ReadAt.Equal(*again.ReadAt), "repeat calls keep the original read time")

	unread, err := d.List(ctx, "u1", true, 0)
	require.NoError(t, err)
	assert.Len(t, unread, 1)
	count, err := d.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = d.MarkRead(ctx, out.Ref, "u2")
	assert.True(t, apperror.IsKind(err, apperror.KindAuthorization))
	_, err = d.MarkRead(ctx, "missing", "u1")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
}

func TestListIsScopedToUser(t *testing.T) {
	d, _, _ := newDispatcher(nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d.Notify(ctx, "u1", TypeReminder, "Reminder", "Waiting", Refs{})
	}
	d.Notify(ctx, "u2", TypeReminder, "Reminder", "Waiting", Refs{})

	list, err := d.List(ctx, "u1", false, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	for _, n := range list {
		assert.Equal(t, "u1", n.UserID)
	}
}
