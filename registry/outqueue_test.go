package registry

import (
	"context"
	"testing"
	"time"
)

func TestOutboundQueueOrdersWrites(t *testing.T) {
	q := newOutboundQueue(8)
	go q.run()
	defer q.close(nil)

	var order []int
	results := make([]<-chan error, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		done, err := q.enqueue(context.Background(), func() error {
			order = append(order, i)
			return nil
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		results = append(results, done)
	}
	for _, done := range results {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for a queued write")
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want writes to run in fifo order", order)
		}
	}
}

func TestOutboundQueueCloseRejectsPending(t *testing.T) {
	q := newOutboundQueue(8)
	// No run() goroutine: the job stays queued until close rejects it.
	done, err := q.enqueue(context.Background(), func() error { return nil })
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.close(nil)
	select {
	case got := <-done:
		if got != errQueueClosed {
			t.Errorf("got = %v, want errQueueClosed", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejection")
	}
}

func TestOutboundQueueEnqueueAfterCloseFails(t *testing.T) {
	q := newOutboundQueue(8)
	q.close(nil)
	if _, err := q.enqueue(context.Background(), func() error { return nil }); err != errQueueClosed {
		t.Fatalf("enqueue after close = %v, want errQueueClosed", err)
	}
}

func TestOutboundQueueBlocksAtCapacity(t *testing.T) {
	q := newOutboundQueue(1)
	block := make(chan struct{})
	done1, err := q.enqueue(context.Background(), func() error {
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}

	enqueued2 := make(chan struct{})
	go func() {
		_, _ = q.enqueue(context.Background(), func() error { return nil })
		close(enqueued2)
	}()

	select {
	case <-enqueued2:
		t.Fatal("second enqueue should block while the first job is still queued")
	case <-time.After(50 * time.Millisecond):
	}

	go q.run()
	close(block)
	<-done1
	select {
	case <-enqueued2:
	case <-time.After(time.Second):
		t.Fatal("second enqueue never unblocked after capacity freed")
	}
	q.close(nil)
}
