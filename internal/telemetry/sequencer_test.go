package telemetry

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/common/database"
	"github.com/riskgate/riskgate/internal/common/testutil"
)

func newTestSequencer(t *testing.T) *Sequencer {
	t.Helper()
	mock := testutil.NewMockRedis(zap.NewNop())
	if err := mock.Setup(); err != nil {
		t.Fatalf("failed to start mock redis: %v", err)
	}
	t.Cleanup(func() { _ = mock.Shutdown() })

	return NewSequencer(&database.RedisClient{Client: mock.Client()}, time.Hour, zap.NewNop())
}

func TestAccept_MonotonicSequences(t *testing.T) {
	s := newTestSequencer(t)
	ctx := context.Background()

	for _, seq := range []int64{0, 1, 2, 5} {
		ok, err := s.Accept(ctx, "stream-1", seq)
		if err != nil {
			t.Fatalf("accept(%d) errored: %v", seq, err)
		}
		if !ok {
			t.Errorf("accept(%d) = false, want true", seq)
		}
	}
}

func TestAccept_RejectsDuplicatesAndReplays(t *testing.T) {
	s := newTestSequencer(t)
	ctx := context.Background()

	s.Accept(ctx, "stream-1", 5)

	tests := []int64{5, 4, 0}
	for _, seq := range tests {
		ok, err := s.Accept(ctx, "stream-1", seq)
		if err != nil {
			t.Fatalf("accept(%d) errored: %v", seq, err)
		}
		if ok {
			t.Errorf("accept(%d) = true after watermark 5, want false", seq)
		}
	}
}

func TestAccept_StreamsAreIndependent(t *testing.T) {
	s := newTestSequencer(t)
	ctx := context.Background()

	s.Accept(ctx, "stream-1", 10)

	ok, err := s.Accept(ctx, "stream-2", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("a fresh stream must accept sequence 0")
	}
}

func TestFilter_KeepsInOrderFramesOnly(t *testing.T) {
	s := newTestSequencer(t)

	batch := Batch{
		StreamID: "stream-1",
		Frames: []Frame{
			{Sequence: 1},
			{Sequence: 3},
			{Sequence: 2}, // behind the watermark by now
			{Sequence: 3}, // duplicate
			{Sequence: 4},
		},
	}

	accepted, dropped, err := s.Filter(context.Background(), batch)
	if err != nil {
		t.Fatalf("filter errored: %v", err)
	}
	if len(accepted) != 3 || dropped != 2 {
		t.Fatalf("accepted %d dropped %d, want 3 and 2", len(accepted), dropped)
	}
	wantSeqs := []int64{1, 3, 4}
	for i, frame := range accepted {
		if frame.Sequence != wantSeqs[i] {
			t.Errorf("accepted[%d].Sequence = %d, want %d", i, frame.Sequence, wantSeqs[i])
		}
	}
}
