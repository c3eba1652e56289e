package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/queue"
)

type fakeSender struct {
	mu   sync.Mutex
	reqs []*resend.SendEmailRequest
	err  error
}

func (f *fakeSender) SendWithContext(_ context.Context, req *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &resend.SendEmailResponse{Id: "msg-1"}, nil
}

type countingDeliverer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingDeliverer) Deliver(context.Context, attendance.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func sample(expires time.Time) attendance.Delivery {
	return attendance.Delivery{
		SessionID: "sess-1",
		CourseID:  "math-101",
		StudentID: "s1",
		Email:     "s1@school.test",
		Name:      "Ada",
		Code:      "123456",
		QRPayload: "rollcall://checkin?code=123456&course=math-101",
		ExpiresAt: expires,
	}
}

func TestMailerSendsCodeAndQR(t *testing.T) {
	sender := &fakeSender{}
	m := NewMailerWithSender(sender, "attendance@school.test")

	require.NoError(t, m.Deliver(context.Background(), sample(time.Now().Add(5*time.Minute))))
	require.Len(t, sender.reqs, 1)

	req := sender.reqs[0]
	assert.Equal(t, []string{"s1@school.test"}, req.To)
	assert.Equal(t, "attendance@school.test", req.From)
	assert.Contains(t, req.Html, "123456")
	assert.Contains(t, req.Html, "Ada")
	require.Len(t, req.Attachments, 1)
	png := req.Attachments[0].Content
	require.Greater(t, len(png), 4)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestMailerRejectsMissingEmail(t *testing.T) {
	m := NewMailerWithSender(&fakeSender{}, "attendance@school.test")
	d := sample(time.Now().Add(time.Minute))
	d.Email = ""
	assert.ErrorIs(t, m.Deliver(context.Background(), d), ErrNoRecipient)
}

func TestMailerWrapsSendError(t *testing.T) {
	m := NewMailerWithSender(&fakeSender{err: assert.AnError}, "attendance@school.test")
	err := m.Deliver(context.Background(), sample(time.Now().Add(time.Minute)))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestNewMailerValidates(t *testing.T) {
	_, err := NewMailer("", "a@b.test")
	assert.Error(t, err)
	_, err = NewMailer("re_key", "")
	assert.Error(t, err)
}

func TestQueuedEnqueuesDelivery(t *testing.T) {
	q := queue.NewInMemory(1)
	d := sample(time.Now().Add(time.Minute))
	require.NoError(t, NewQueued(q).Deliver(context.Background(), d))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	msg := <-msgs
	assert.Equal(t, queue.TypeDelivery, msg.Type)

	var got attendance.Delivery
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, d.Code, got.Code)
	assert.Equal(t, d.StudentID, got.StudentID)
}

func TestWorkerRequeuesUntilLimit(t *testing.T) {
	q := queue.NewInMemory(4)
	target := &countingDeliverer{err: errors.New("smtp down")}
	w := NewWorker(q, target, 2)

	msg, err := queue.NewMessage(queue.TypeDelivery, sample(time.Now().Add(time.Minute)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Handle(ctx, msg)

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	retry := <-msgs
	assert.Equal(t, 1, retry.Attempts)

	w.Handle(ctx, retry)
	assert.Equal(t, 2, target.calls)

	select {
	case extra := <-msgs:
		t.Fatalf("unexpected requeue %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkerSkipsExpiredAndForeignJobs(t *testing.T) {
	target := &countingDeliverer{}
	w := NewWorker(queue.NewInMemory(1), target, 3)

	expired, err := queue.NewMessage(queue.TypeDelivery, sample(time.Now().Add(-time.Second)))
	require.NoError(t, err)
	w.Handle(context.Background(), expired)

	other, err := queue.NewMessage("other", sample(time.Now().Add(time.Minute)))
	require.NoError(t, err)
	w.Handle(context.Background(), other)

	w.Handle(context.Background(), queue.Message{ID: "bad", Type: queue.TypeDelivery, Body: json.RawMessage(`{`)})

	assert.Equal(t, 0, target.calls)
}

func TestWorkerRunDrainsQueue(t *testing.T) {
	q := queue.NewInMemory(4)
	target := &countingDeliverer{}
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, NewQueued(q).Deliver(ctx, sample(time.Now().Add(time.Minute))))
	}

	done := make(chan error, 1)
	go func() { done <- NewWorker(q, target, 1).Run(ctx) }()

	assert.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return target.calls == 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
