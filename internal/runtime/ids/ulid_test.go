package ids

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	generated := make([]string, total)
	for i := range total {
		generated[i] = CreateULID()
	}

	for i := range total {
		if len(generated[i]) != 26 {
			t.Fatalf("expected ULID length 26, got %d", len(generated[i]))
		}
		if _, err := ulid.Parse(generated[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}

	for i := 1; i < total; i++ {
		if generated[i-1] >= generated[i] {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", generated[i-1], generated[i])
		}
	}
}

func TestGeneratorConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	gen := NewGenerator()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range perGoroutine {
				id := gen.New()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate ULID generated: %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d unique ULIDs, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestReplyInbox(t *testing.T) {
	inbox := ReplyInbox("")
	if !strings.HasPrefix(inbox, "streamflow.reply.") {
		t.Fatalf("unexpected inbox %q", inbox)
	}
	if ReplyInbox("custom") == ReplyInbox("custom") {
		t.Fatal("expected unique inboxes")
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, ok := Timestamp(CreateULID())
	if !ok {
		t.Fatal("expected timestamp to parse")
	}
	if ts.Before(before) {
		t.Fatalf("timestamp %v is older than %v", ts, before)
	}
	if _, ok := Timestamp("not-a-ulid"); ok {
		t.Fatal("expected invalid id to fail")
	}
}
