package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func testMessage() Message {
	return Message{
		TaskID:      "7",
		DispatchKey: "7",
		To:          "a@x.com",
		Subject:     "Hello",
		ContentRef:  "welcome",
		ScheduledAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestClassification(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")

	p := Permanent(cause)
	require.True(t, IsPermanent(p))
	require.ErrorIs(t, p, cause)
	require.NotErrorIs(t, p, ErrTransient)

	tr := Transient(cause)
	require.False(t, IsPermanent(tr))
	require.ErrorIs(t, tr, ErrTransient)
	require.Equal(t, "boom", tr.Error())

	require.NoError(t, Permanent(nil))
	require.NoError(t, Transient(nil))
}

func TestWebhookSinkStatusClasses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{status: http.StatusOK},
		{status: http.StatusAccepted},
		{status: http.StatusBadRequest, wantErr: true, permanent: true},
		{status: http.StatusUnprocessableEntity, wantErr: true, permanent: true},
		{status: http.StatusTooManyRequests, wantErr: true},
		{status: http.StatusRequestTimeout, wantErr: true},
		{status: http.StatusBadGateway, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s, err := NewWebhookSink(srv.URL, "", time.Second)
			require.NoError(t, err)
			err = s.Send(context.Background(), testMessage())
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, tt.permanent, IsPermanent(err))
		})
	}
}

func TestWebhookSinkRequest(t *testing.T) {
	t.Parallel()
	var got Message
	var idem, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewWebhookSink(srv.URL, "secret", 0)
	require.NoError(t, err)
	msg := testMessage()
	msg.DispatchKey = "7@2026-03-01T09:00:00Z"
	require.NoError(t, s.Send(context.Background(), msg))

	require.Equal(t, msg.DispatchKey, idem)
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, msg.To, got.To)
	require.Equal(t, msg.ContentRef, got.ContentRef)
}

func TestWebhookSinkUnreachableIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, err := NewWebhookSink(url, "", time.Second)
	require.NoError(t, err)
	err = s.Send(context.Background(), testMessage())
	require.ErrorIs(t, err, ErrTransient)
}

func TestNewWebhookSinkRequiresURL(t *testing.T) {
	t.Parallel()
	_, err := NewWebhookSink(" ", "", 0)
	require.ErrorIs(t, err, errNoURL)
}

type fakeSES struct {
	err error
	in  *sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	return &sesv2.SendEmailOutput{}, f.err
}

func TestSESSink(t *testing.T) {
	t.Parallel()

	api := &fakeSES{}
	s := &SESSink{client: api, fromEmail: "noreply@x.com", configurationSet: "cs"}
	require.NoError(t, s.Send(context.Background(), testMessage()))
	require.Equal(t, "welcome", *api.in.Content.Template.TemplateName)
	require.Equal(t, []string{"a@x.com"}, api.in.Destination.ToAddresses)
	require.Equal(t, "cs", *api.in.ConfigurationSetName)

	msg := testMessage()
	msg.ContentRef = ""
	require.True(t, IsPermanent(s.Send(context.Background(), msg)))

	api.err = &types.MessageRejected{}
	require.True(t, IsPermanent(s.Send(context.Background(), testMessage())))

	api.err = &types.TooManyRequestsException{}
	err := s.Send(context.Background(), testMessage())
	require.ErrorIs(t, err, ErrTransient)

	api.err = &types.SendingPausedException{}
	require.False(t, IsPermanent(s.Send(context.Background(), testMessage())))
}

type fakeWriter struct {
	err  error
	msgs []kgo.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSink(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	s := &KafkaSink{writer: w}
	require.NoError(t, s.Send(context.Background(), testMessage()))
	require.Len(t, w.msgs, 1)
	require.Equal(t, "7", string(w.msgs[0].Key))

	w.err = kgo.WriteErrors{kgo.MessageSizeTooLarge}
	require.True(t, IsPermanent(s.Send(context.Background(), testMessage())))

	w.err = kgo.WriteErrors{kgo.LeaderNotAvailable}
	require.False(t, IsPermanent(s.Send(context.Background(), testMessage())))

	w.err = errors.New("dial tcp: connection refused")
	require.ErrorIs(t, s.Send(context.Background(), testMessage()), ErrTransient)
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	next := Func(func(context.Context, Message) error {
		calls.Add(1)
		return nil
	})

	require.IsType(t, Func(nil), NewThrottle(next, 0, 0))

	s := NewThrottle(next, 0.001, 1)
	require.NoError(t, s.Send(context.Background(), testMessage()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, testMessage())
	require.ErrorIs(t, err, ErrTransient)
	require.EqualValues(t, 1, calls.Load())
}

func TestLogSink(t *testing.T) {
	t.Parallel()
	require.NoError(t, NewLogSink(zerolog.Nop()).Send(context.Background(), testMessage()))
}
