package training

import (
	"context"
	"errors"
	"math/rand"
	"testing"
)

func TestPrefetcherDeliversEpochInOrder(t *testing.T) {
	dl, err := NewDataLoader(indexDataset(t, 10), 2, 4, true, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	pf, err := NewPrefetcher(dl, 2)
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}

	for epoch := 0; epoch < 2; epoch++ {
		if err := pf.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		seen := make(map[float64]bool)
		var sizes []int
		for {
			sb, err := pf.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if sb == nil {
				break
			}
			sizes = append(sizes, sb.Len())
			for _, v := range sb.data.Images {
				seen[v] = true
			}
		}
		pf.Stop()

		if len(sizes) != 3 || sizes[0] != 4 || sizes[1] != 4 || sizes[2] != 2 {
			t.Errorf("Expected superbatch sizes [4 4 2], got %v", sizes)
		}
		if len(seen) != 10 {
			t.Errorf("Expected every example once, saw %d distinct", len(seen))
		}
		if pf.Loaded() != 3 {
			t.Errorf("Expected 3 superbatches loaded, got %d", pf.Loaded())
		}
	}
}

func TestPrefetcherStartTwice(t *testing.T) {
	dl, _ := NewDataLoader(indexDataset(t, 4), 2, 2, false, nil)
	pf, _ := NewPrefetcher(dl, 1)
	if err := pf.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pf.Stop()
	if err := pf.Start(context.Background()); err == nil {
		t.Error("Expected error when starting a running prefetcher")
	}
}

func TestPrefetcherCancel(t *testing.T) {
	dl, _ := NewDataLoader(indexDataset(t, 40), 2, 2, false, nil)
	pf, _ := NewPrefetcher(dl, 1)

	ctx, cancel := context.WithCancel(context.Background())
	if err := pf.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sb, err := pf.Next(); err != nil || sb == nil {
		t.Fatalf("Expected a first superbatch, got %v, %v", sb, err)
	}
	cancel()
	pf.Stop()

	// Drain whatever was buffered before the cancel; the stream must end in
	// either exhaustion or a cancellation error.
	for i := 0; i < 40; i++ {
		sb, err := pf.Next()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Expected context.Canceled, got %v", err)
			}
			return
		}
		if sb == nil {
			return
		}
	}
	t.Error("Expected the prefetcher to stop after cancellation")
}

func TestNewPrefetcherNilLoader(t *testing.T) {
	if _, err := NewPrefetcher(nil, 1); err == nil {
		t.Error("Expected error for a nil loader")
	}
}
