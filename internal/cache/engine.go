package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/SyedDaiam9101/triton-bridge/internal/inference"
	"github.com/SyedDaiam9101/triton-bridge/internal/logger"
	"github.com/SyedDaiam9101/triton-bridge/internal/metrics"
	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
)

// KeyPrefix namespaces every cache entry.
const KeyPrefix = "triton-bridge:infer:"

// Key derives the cache key of req from everything that determines its
// outputs: model, version, inputs and requested outputs. Input and output
// order does not matter.
func Key(req *inference.Request) string {
	h := sha256.New()
	writeString := func(s string) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeInt := func(v int64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		h.Write(b[:])
	}

	writeString(req.Model)
	writeInt(req.Version)

	inputs := append([]tensor.Descriptor(nil), req.Inputs...)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Name < inputs[j].Name })
	writeInt(int64(len(inputs)))
	for _, in := range inputs {
		writeString(in.Name)
		writeInt(int64(in.Type.Code()))
		writeInt(int64(len(in.Shape)))
		for _, d := range in.Shape {
			writeInt(d)
		}
		writeString(string(in.Data))
	}

	outputs := append([]string(nil), req.Outputs...)
	sort.Strings(outputs)
	writeInt(int64(len(outputs)))
	for _, o := range outputs {
		writeString(o)
	}
	return KeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Cacheable reports whether req may be answered from the cache. Sequence
// requests carry engine-side state and always run.
func Cacheable(req *inference.Request) bool {
	return req.CorrelationID == 0 && req.Flags == 0
}

// Engine answers repeated stateless requests from a Store and sends the rest
// to the wrapped engine. Store failures are logged and bypassed.
type Engine struct {
	next  inference.Engine
	store Store
	ttl   time.Duration
}

// NewEngine wraps next with a response cache.
func NewEngine(next inference.Engine, store Store, ttl time.Duration) *Engine {
	return &Engine{next: next, store: store, ttl: ttl}
}

type entry struct {
	Model   string                       `json:"model"`
	Version int64                        `json:"version"`
	Outputs map[string]tensor.Descriptor `json:"outputs"`
}

func (e *Engine) Infer(ctx context.Context, req *inference.Request) (*inference.Result, error) {
	if !Cacheable(req) {
		return e.next.Infer(ctx, req)
	}

	key := Key(req)
	data, err := e.store.Get(ctx, key)
	switch {
	case err != nil:
		metrics.RecordCache("error")
		logger.Log.Warn("cache lookup failed", "key", key, "error", err)
	case data != nil:
		var cached entry
		if err := json.Unmarshal(data, &cached); err != nil {
			metrics.RecordCache("error")
			logger.Log.Warn("discarding corrupt cache entry", "key", key, "error", err)
			break
		}
		metrics.RecordCache("hit")
		return &inference.Result{Model: cached.Model, Version: cached.Version, ID: req.ID, Outputs: cached.Outputs}, nil
	default:
		metrics.RecordCache("miss")
	}

	res, err := e.next.Infer(ctx, req)
	if err != nil {
		return nil, err
	}

	data, err = json.Marshal(entry{Model: res.Model, Version: res.Version, Outputs: res.Outputs})
	if err != nil {
		logger.Log.Warn("result is not cacheable", "model", res.Model, "error", err)
		return res, nil
	}
	if err := e.store.Set(ctx, key, data, e.ttl); err != nil {
		logger.Log.Warn("cache store failed", "key", key, "error", err)
	}
	return res, nil
}

// Close closes the wrapped engine.
func (e *Engine) Close() error {
	return e.next.Close()
}

var _ inference.Engine = (*Engine)(nil)
