package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/funnyzak/mockproxy/pkg/record"
)

func newMemoryTestStore(t *testing.T, maxRecords int) Store {
	t.Helper()
	return NewMemoryStore(maxRecords, noopLogger{})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, newMemoryTestStore)
}

func TestMemoryStore_ConcurrentWrites(t *testing.T) {
	store := NewMemoryStore(0, noopLogger{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			saved, err := store.SaveRequestLog(fakeLog("GET", fmt.Sprintf("/c/%d", i), time.Time{}))
			if err != nil {
				t.Errorf("save failed: %v", err)
				return
			}
			if _, err := store.CompleteRequestLog(saved.ID, record.Response{Status: 200 + i}); err != nil {
				t.Errorf("complete failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	items, total, err := store.ListRequestLogs(ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 20 {
		t.Fatalf("expected 20 logs, got %d", total)
	}
	for _, item := range items {
		if item.Pending() {
			t.Fatalf("log %s left pending", item.ID)
		}
	}
}
