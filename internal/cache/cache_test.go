package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SyedDaiam9101/triton-bridge/internal/inference"
	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
)

type mapStore struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
	err  error
}

func newMapStore() *mapStore {
	return &mapStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (s *mapStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.data[key], nil
}

func (s *mapStore) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data[key] = data
	s.ttls[key] = ttl
	return nil
}

func input(t *testing.T, name string, values ...float32) tensor.Descriptor {
	t.Helper()
	d, err := tensor.FromSlice(name, []int64{int64(len(values))}, values)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestKey(t *testing.T) {
	a := &inference.Request{Model: "m", Version: 1, Inputs: []tensor.Descriptor{input(t, "x", 1), input(t, "y", 2)}, Outputs: []string{"o1", "o2"}}
	b := &inference.Request{Model: "m", Version: 1, Inputs: []tensor.Descriptor{input(t, "y", 2), input(t, "x", 1)}, Outputs: []string{"o2", "o1"}, ID: "other"}

	if Key(a) != Key(b) {
		t.Error("input order and request id must not change the key")
	}
	if !strings.HasPrefix(Key(a), KeyPrefix) {
		t.Errorf("key %q lacks prefix", Key(a))
	}

	variants := []*inference.Request{
		{Model: "n", Version: 1, Inputs: a.Inputs, Outputs: a.Outputs},
		{Model: "m", Version: 2, Inputs: a.Inputs, Outputs: a.Outputs},
		{Model: "m", Version: 1, Inputs: []tensor.Descriptor{input(t, "x", 1), input(t, "y", 3)}, Outputs: a.Outputs},
		{Model: "m", Version: 1, Inputs: a.Inputs, Outputs: []string{"o1"}},
	}
	for i, v := range variants {
		if Key(v) == Key(a) {
			t.Errorf("variant %d must change the key", i)
		}
	}

	// Name/data boundaries are length prefixed
	ab := &inference.Request{Model: "ab", Version: 1}
	a2 := &inference.Request{Model: "a", Version: 1, Outputs: []string{"b"}}
	if Key(ab) == Key(a2) {
		t.Error("field boundaries must be part of the key")
	}
}

func TestEngine_HitAndMiss(t *testing.T) {
	mock := inference.NewMock()
	store := newMapStore()
	e := NewEngine(mock, store, time.Minute)

	req := &inference.Request{Model: "echo", Version: 1, ID: "first", Inputs: []tensor.Descriptor{input(t, "x", 1, 2)}}
	if _, err := e.Infer(context.Background(), req); err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if store.ttls[Key(req)] != time.Minute {
		t.Errorf("Expected TTL 1m, got %v", store.ttls[Key(req)])
	}

	again := *req
	again.ID = "second"
	res, err := e.Infer(context.Background(), &again)
	if err != nil {
		t.Fatalf("cached Infer failed: %v", err)
	}
	if mock.CallCount() != 1 {
		t.Errorf("Expected the second call to be served from cache, engine saw %d calls", mock.CallCount())
	}
	if res.ID != "second" {
		t.Errorf("cached result must carry the caller's id, got %s", res.ID)
	}
	values, err := tensor.View[float32](res.Outputs["x"])
	if err != nil || len(values) != 2 || values[1] != 2 {
		t.Errorf("cached outputs corrupted: %v (%v)", values, err)
	}
}

func TestEngine_SequenceRequestsBypass(t *testing.T) {
	mock := inference.NewMock()
	store := newMapStore()
	e := NewEngine(mock, store, time.Minute)

	req := &inference.Request{Model: "echo", CorrelationID: 9, Inputs: []tensor.Descriptor{input(t, "x", 1)}}
	for i := 0; i < 2; i++ {
		if _, err := e.Infer(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if mock.CallCount() != 2 || len(store.data) != 0 {
		t.Errorf("sequence requests must not be cached: calls=%d entries=%d", mock.CallCount(), len(store.data))
	}
}

func TestEngine_StoreFailureFallsThrough(t *testing.T) {
	mock := inference.NewMock()
	store := newMapStore()
	store.err = errors.New("connection refused")
	e := NewEngine(mock, store, time.Minute)

	if _, err := e.Infer(context.Background(), &inference.Request{Model: "echo", Inputs: []tensor.Descriptor{input(t, "x", 1)}}); err != nil {
		t.Fatalf("a broken store must not fail inference: %v", err)
	}
}

func TestEngine_ErrorsAreNotCached(t *testing.T) {
	mock := inference.NewMock()
	mock.SetError(errors.New("boom"))
	store := newMapStore()
	e := NewEngine(mock, store, time.Minute)

	if _, err := e.Infer(context.Background(), &inference.Request{Model: "echo"}); err == nil {
		t.Fatal("Expected error")
	}
	if len(store.data) != 0 {
		t.Error("failed results must not be cached")
	}
}

func TestEngine_CorruptEntry(t *testing.T) {
	mock := inference.NewMock()
	store := newMapStore()
	e := NewEngine(mock, store, time.Minute)

	req := &inference.Request{Model: "echo", Inputs: []tensor.Descriptor{input(t, "x", 1)}}
	store.data[Key(req)] = []byte("{not json")
	if _, err := e.Infer(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if mock.CallCount() != 1 {
		t.Error("a corrupt entry must be treated as a miss")
	}
}

func TestNewUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := New(ctx, "127.0.0.1:1"); err == nil {
		t.Error("Expected error for unreachable Redis")
	}
}
