package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
)

const workerQueueGroup = "admission-workers"

type Queue struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("admissions-assistant"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// applicationSubmitted is the event body on the submission subject.
type applicationSubmitted struct {
	ApplicationID string    `json:"application_id"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

func encodeSubmitted(applicationID string, at time.Time) ([]byte, error) {
	return json.Marshal(applicationSubmitted{ApplicationID: applicationID, SubmittedAt: at.UTC()})
}

// decodeSubmitted also accepts a bare application id.
func decodeSubmitted(data []byte) (string, error) {
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", errors.New("empty submission event")
	}
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	var event applicationSubmitted
	if err := json.Unmarshal(data, &event); err != nil {
		return "", fmt.Errorf("decode submission event: %w", err)
	}
	if strings.TrimSpace(event.ApplicationID) == "" {
		return "", errors.New("submission event has no application_id")
	}
	return event.ApplicationID, nil
}

// submissionMsg builds the event message. Core NATS delivers it at most once
// and ignores dedup headers.
func submissionMsg(subject, applicationID string, at time.Time) (*nats.Msg, error) {
	data, err := encodeSubmitted(applicationID, at)
	if err != nil {
		return nil, fmt.Errorf("encode submission event: %w", err)
	}
	return &nats.Msg{Subject: subject, Data: data}, nil
}

func (q *Queue) PublishApplicationSubmitted(ctx context.Context, applicationID string) error {
	msg, err := submissionMsg(q.subject, applicationID, time.Now())
	if err != nil {
		return err
	}

	call := func(_ context.Context) error {
		if err := q.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(err)
}

// SubscribeApplicationSubmitted runs handler for each event in the worker
// queue group. It blocks until ctx is done, then drains so in-flight
// handlers finish.
func (q *Queue) SubscribeApplicationSubmitted(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, workerQueueGroup, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		applicationID, err := decodeSubmitted(msg.Data)
		if err != nil {
			slog.Error("submission_event_invalid", "subject", msg.Subject, "error", err)
			return
		}
		if err := handler(ctx, applicationID); err != nil {
			slog.Error("application_handler_failed", "application_id", applicationID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
