package launcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stavrosk/taxis/internal/domain"
)

// fakeLaunchPublisher — launchPublisher для тестов.
type fakeLaunchPublisher struct {
	failLaunches int // сколько ближайших публикаций падают
	launchCalls  int
}

func (p *fakeLaunchPublisher) PublishRunLaunch(_ context.Context, _ uuid.UUID, _ map[string]string) error {
	p.launchCalls++
	if p.failLaunches > 0 {
		p.failLaunches--
		return errors.New("no channel available")
	}
	return nil
}

func (p *fakeLaunchPublisher) PublishRunStop(_ context.Context, _ uuid.UUID) error {
	return nil
}

func (p *fakeLaunchPublisher) PublishOpResult(_ context.Context, _ uuid.UUID, _ string, _ bool) error {
	return nil
}

func newTestExecutor(pub *fakeLaunchPublisher) *AMQPExecutor {
	return &AMQPExecutor{publisher: pub, attempts: launchPublishAttempts, backoff: time.Millisecond}
}

func TestAMQPExecutor_Start_RetriesTransientFailure(t *testing.T) {
	pub := &fakeLaunchPublisher{failLaunches: 2} // blip брокера на две попытки
	e := newTestExecutor(pub)

	run := domain.Run{ID: uuid.New()}
	if err := e.Start(context.Background(), run); err != nil {
		t.Fatalf("transient publish failure must be retried: %v", err)
	}
	if pub.launchCalls != 3 {
		t.Errorf("publish calls = %d, want 3", pub.launchCalls)
	}
}

func TestAMQPExecutor_Start_GivesUpAfterBoundedAttempts(t *testing.T) {
	pub := &fakeLaunchPublisher{failLaunches: 100}
	e := newTestExecutor(pub)

	err := e.Start(context.Background(), domain.Run{ID: uuid.New()})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if pub.launchCalls != launchPublishAttempts {
		t.Errorf("publish calls = %d, want %d (bounded retry)", pub.launchCalls, launchPublishAttempts)
	}
}

func TestAMQPExecutor_Start_ContextCanceled(t *testing.T) {
	pub := &fakeLaunchPublisher{failLaunches: 100}
	e := &AMQPExecutor{publisher: pub, attempts: launchPublishAttempts, backoff: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Start(ctx, domain.Run{ID: uuid.New()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if pub.launchCalls != 1 {
		t.Errorf("publish calls = %d, want 1 (no backoff wait after cancel)", pub.launchCalls)
	}
}
