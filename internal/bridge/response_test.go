package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton/sim"
)

// slotAPI rewrites what the engine reports for response output slots.
type slotAPI struct {
	*sim.Engine
	failAt int
	rename string
}

func (s *slotAPI) InferenceResponseOutput(resp triton.Response, index uint32) (triton.OutputInfo, triton.Error) {
	if s.failAt >= 0 && int(index) == s.failAt {
		return triton.OutputInfo{}, s.ErrorNew(triton.ErrInternal, "slot is unreadable")
	}
	info, nerr := s.Engine.InferenceResponseOutput(resp, index)
	if nerr == 0 && s.rename != "" {
		info.Name = s.rename
	}
	return info, nerr
}

// identityResponse runs the identity model on three INT32 inputs through api
// and returns the undecoded response.
func identityResponse(t *testing.T, e *sim.Engine, api triton.API) *Response {
	t.Helper()
	x, err := NewExecutor(api, e.Server())
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })

	req, err := NewRequest(api, e.Server(), "identity", 1)
	require.NoError(t, err)
	for i, name := range []string{"INPUT0", "INPUT1", "INPUT2"} {
		d, err := tensor.FromSlice(name, []int64{1}, []int32{int32(i)})
		require.NoError(t, err)
		require.NoError(t, req.AddInputTensor(d))
	}
	require.NoError(t, req.RegisterReleaseCallback())

	future, err := x.Execute(context.Background(), req)
	require.NoError(t, err)
	resp, err := future.Wait(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { resp.Close() })
	return resp
}

func TestDecodeReturnsSlotsBeforeFailure(t *testing.T) {
	e := newEngine(t)
	resp := identityResponse(t, e, &slotAPI{Engine: e, failAt: 1})

	outputs, err := resp.Decode()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutput))
	require.Len(t, outputs, 1)
	values, verr := tensor.View[int32](outputs["OUTPUT0"])
	require.NoError(t, verr)
	assert.Equal(t, []int32{0}, values)

	d, err := resp.Output("OUTPUT0")
	require.NoError(t, err)
	assert.Equal(t, "OUTPUT0", d.Name)

	_, err = resp.Output("OUTPUT2")
	assert.True(t, errors.Is(err, ErrOutput))
}

func TestDecodeDuplicateNamesLastWins(t *testing.T) {
	e := newEngine(t)
	resp := identityResponse(t, e, &slotAPI{Engine: e, failAt: -1, rename: "OUTPUT"})

	outputs, err := resp.Decode()
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	values, err := tensor.View[int32](outputs["OUTPUT"])
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, values)
}

func TestDecodeEmptySlot(t *testing.T) {
	e := newEngine(t)
	x := newExecutor(t, e)

	req, err := NewRequest(e, e.Server(), "identity", 1)
	require.NoError(t, err)
	require.NoError(t, req.AddInput("INPUT0", tensor.FP32, []int64{0, 3}))
	require.NoError(t, req.RegisterReleaseCallback())

	future, err := x.Execute(context.Background(), req)
	require.NoError(t, err)
	resp, err := future.Wait(context.Background())
	require.NoError(t, err)
	defer resp.Close()

	out, err := resp.Output("OUTPUT0")
	require.NoError(t, err)
	assert.Equal(t, tensor.FP32, out.Type)
	assert.Equal(t, []int64{0, 3}, out.Shape)
	assert.Empty(t, out.Data)
	assert.NoError(t, out.Validate())
	assert.Zero(t, x.Allocator().Outstanding(), "a zero-byte output allocates nothing")
}

func TestMissingOutput(t *testing.T) {
	e := newEngine(t)
	resp := identityResponse(t, e, e)

	_, err := resp.Output("nope")
	assert.True(t, errors.Is(err, ErrOutput))
	assert.Contains(t, err.Error(), `no output "nope"`)
}

func TestDecodeAfterClose(t *testing.T) {
	e := newEngine(t)
	resp := identityResponse(t, e, e)
	require.NoError(t, resp.Close())

	_, err := resp.Decode()
	assert.True(t, errors.Is(err, ErrOutput))
	assert.Zero(t, e.Stats().DoubleFrees)
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Kind: KindInput, Op: "InferenceRequestAddInput", Message: "input \"x\" already declared"}
	assert.Equal(t, `input error in InferenceRequestAddInput: input "x" already declared`, err.Error())

	native := &Error{Kind: KindLoad, Op: "InferenceRequestNew", Code: triton.ErrNotFound, Message: "no model", native: true}
	assert.Equal(t, "load error in InferenceRequestNew: Not found: no model", native.Error())

	wrapped := wrapError(KindExecution, "ServerInferAsync", context.Canceled)
	assert.ErrorIs(t, wrapped, context.Canceled)
	assert.ErrorIs(t, wrapped, ErrExecution)
	assert.NotErrorIs(t, wrapped, ErrChannel)
}
