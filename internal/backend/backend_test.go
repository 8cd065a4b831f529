package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
)

// lifecycle records hook calls and can fail one instance initialization.
type lifecycle struct {
	mu        sync.Mutex
	calls     []string
	failIndex int
}

func (l *lifecycle) record(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *lifecycle) InitializeModel(m *Model) error {
	l.record("init model " + m.Name())
	m.SetState("shared")
	return nil
}

func (l *lifecycle) FinalizeModel(m *Model) error {
	l.record("fini model " + m.Name())
	return nil
}

func (l *lifecycle) InitializeInstance(inst *Instance) error {
	if inst.Index() == l.failIndex {
		return errors.New("no device")
	}
	l.record("init " + inst.Name())
	inst.SetState(inst.Index())
	return nil
}

func (l *lifecycle) FinalizeInstance(inst *Instance) error {
	l.record("fini " + inst.Name())
	return nil
}

func (l *lifecycle) Execute(_ context.Context, inst *Instance, req *Request) ([]tensor.Descriptor, error) {
	d, err := tensor.FromSlice("index", []int64{1}, []int64{int64(inst.State().(int))})
	if err != nil {
		return nil, err
	}
	if inst.Model().State() != "shared" {
		return nil, errors.New("model state missing")
	}
	return []tensor.Descriptor{d}, nil
}

func TestDeployRunsHooksInOrder(t *testing.T) {
	l := &lifecycle{failIndex: -1}
	d, err := Deploy(l, NewModel("m", 1, t.TempDir(), nil), 2)
	require.NoError(t, err)
	require.Len(t, d.Instances, 2)

	require.NoError(t, d.Undeploy())
	assert.Equal(t, []string{
		"init model m",
		"init m_0",
		"init m_1",
		"fini m_1",
		"fini m_0",
		"fini model m",
	}, l.calls)
}

func TestDeployRollsBackOnInstanceFailure(t *testing.T) {
	l := &lifecycle{failIndex: 1}
	_, err := Deploy(l, NewModel("m", 1, t.TempDir(), nil), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no device")
	assert.Equal(t, []string{"init model m", "init m_0", "fini m_0", "fini model m"}, l.calls)
}

func TestExecuteRoundRobin(t *testing.T) {
	l := &lifecycle{failIndex: -1}
	d, err := Deploy(l, NewModel("m", 1, t.TempDir(), nil), 3)
	require.NoError(t, err)
	defer d.Undeploy()

	var got []int64
	for i := 0; i < 6; i++ {
		outs, err := d.Execute(context.Background(), &Request{})
		require.NoError(t, err)
		v, err := tensor.View[int64](outs[0])
		require.NoError(t, err)
		got = append(got, v[0])
	}
	assert.Equal(t, []int64{0, 1, 2, 0, 1, 2}, got)
}

func TestExecuteWithoutInstances(t *testing.T) {
	d := &Deployment{Model: NewModel("m", 1, "", nil), backend: &lifecycle{}}
	_, err := d.Execute(context.Background(), &Request{})
	assert.Error(t, err)
}

func TestModelMetadata(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "3"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "3", "vocab.txt"), []byte("a b c"), 0o644))

	m := NewModel("tok", 3, repo, []byte(`{"max_batch_size": 8, "parameters": {"mode": {"string_value": "fast"}}}`))
	assert.Equal(t, "tok", m.Name())
	assert.Equal(t, int64(3), m.Version())
	assert.Equal(t, repo, m.Location())
	assert.Equal(t, int64(8), m.ConfigValue("max_batch_size").Int())
	assert.Equal(t, filepath.Join(repo, "3", "vocab.txt"), m.Path("vocab.txt"))

	mode, ok := m.Parameter("mode")
	assert.True(t, ok)
	assert.Equal(t, "fast", mode)
	_, ok = m.Parameter("missing")
	assert.False(t, ok)

	data, err := m.LoadFile("vocab.txt")
	require.NoError(t, err)
	assert.Equal(t, "a b c", string(data))
	_, err = m.LoadFile("nope.txt")
	assert.Error(t, err)

	assert.Equal(t, "{}", NewModel("empty", 1, "", nil).Config())
}

func TestRequestAccessors(t *testing.T) {
	in, err := tensor.FromStrings("prompt", []int64{1}, "hi")
	require.NoError(t, err)
	req := &Request{ID: "r", Flags: 3, Inputs: map[string]tensor.Descriptor{"prompt": in}}

	got, err := req.Input("prompt")
	require.NoError(t, err)
	assert.Equal(t, in, got)
	_, err = req.Input("other")
	assert.Error(t, err)

	assert.True(t, req.SequenceStart())
	assert.True(t, req.SequenceEnd())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", func() Backend { return &lifecycle{} })
	r.Register("a", func() Backend { return &lifecycle{} })

	assert.Equal(t, []string{"a", "b"}, r.Names())
	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("c")
	assert.False(t, ok)
}
