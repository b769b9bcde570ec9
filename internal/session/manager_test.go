package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireSerializesOneSession(t *testing.T) {
	m := NewManager(time.Minute)
	ctx := context.Background()

	release1, err := m.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	var order []int
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		release2, err := m.Acquire(ctx, "s1")
		if err != nil {
			t.Errorf("second Acquire() error = %v", err)
			close(done)
			return
		}
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		release2()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	release1()
	<-done

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestAcquireDifferentSessionsIndependent(t *testing.T) {
	m := NewManager(time.Minute)
	ctx := context.Background()

	release1, err := m.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("Acquire(a) error = %v", err)
	}
	defer release1()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	release2, err := m.Acquire(ctx2, "b")
	if err != nil {
		t.Fatalf("Acquire(b) blocked by unrelated session: %v", err)
	}
	release2()
}

func TestAcquireHonorsContext(t *testing.T) {
	m := NewManager(time.Minute)
	release, err := m.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "s1"); err == nil {
		t.Fatalf("Acquire() should fail when the lock is held and ctx expires")
	}
}

func TestJanitorEvictsIdleSessions(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	var evicted []string
	var mu sync.Mutex
	m.SetEvictHook(func(id string) {
		mu.Lock()
		evicted = append(evicted, id)
		mu.Unlock()
	})

	release, err := m.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for {
		if m.ActiveCount() == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("idle session never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "s1" {
		t.Fatalf("evicted = %v, want [s1]", evicted)
	}
}
