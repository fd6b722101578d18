package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/packtrail-data/packtrail/internal/db"
)

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) VehicleStateChanged(ctx context.Context, s *db.VehicleSnapshot) error {
	r.calls++
	return r.err
}

func (r *recordingNotifier) Close() error { return nil }

func TestFireDeliversSnapshot(t *testing.T) {
	n := &recordingNotifier{}
	Fire(context.Background(), n, &db.VehicleSnapshot{VehicleID: 7})
	if n.calls != 1 {
		t.Fatalf("notifier called %d times, want 1", n.calls)
	}
}

func TestFireSwallowsErrors(t *testing.T) {
	// delivery is best effort; a failing backend must not panic or
	// propagate
	n := &recordingNotifier{err: errors.New("redis down")}
	Fire(context.Background(), n, &db.VehicleSnapshot{VehicleID: 7})
	if n.calls != 1 {
		t.Fatalf("notifier called %d times, want 1", n.calls)
	}
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	if err := n.VehicleStateChanged(context.Background(), &db.VehicleSnapshot{}); err != nil {
		t.Fatalf("Nop returned %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Nop Close returned %v", err)
	}
}
