package trajectory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow/runtime/planner"
)

func TestAppendEnforcesContiguousIndices(t *testing.T) {
	r := NewRecorder()

	require.NoError(t, r.Append("t", Step{Index: 0, Action: planner.Think{Text: "hm"}}))
	require.NoError(t, r.Append("t", Step{Index: 1, Action: planner.Finish{Answer: "done"}}))

	err := r.Append("t", Step{Index: 5})
	require.ErrorIs(t, err, ErrIndexGap)
	err = r.Append("t", Step{Index: 1})
	require.ErrorIs(t, err, ErrIndexGap)

	require.Equal(t, 2, r.Len("t"))
}

func TestStepsReturnsCopy(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Append("t", Step{Index: 0, Action: planner.Think{Text: "a"}, Latency: 3 * time.Millisecond}))

	steps := r.Steps("t")
	require.Len(t, steps, 1)
	steps[0].Index = 99

	again := r.Steps("t")
	require.Equal(t, 0, again[0].Index)
}

func TestTracesAreIndependent(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Append("a", Step{Index: 0, Action: planner.Think{Text: "x"}}))
	require.NoError(t, r.Append("b", Step{Index: 0, Action: planner.Think{Text: "y"}}))
	require.Equal(t, 1, r.Len("a"))
	require.Equal(t, 1, r.Len("b"))
	require.Nil(t, r.Steps("c"))
}

func TestMetadata(t *testing.T) {
	r := NewRecorder()
	r.SetMetadata("t", map[string]any{"session": "s1"})
	r.SetMetadata("t", map[string]any{"revisions": 1})

	meta := r.Metadata("t")
	require.Equal(t, "s1", meta["session"])
	require.Equal(t, 1, meta["revisions"])

	// Returned map is a copy.
	meta["session"] = "tampered"
	require.Equal(t, "s1", r.Metadata("t")["session"])
}

func TestDrop(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Append("t", Step{Index: 0, Action: planner.Think{Text: "x"}}))
	r.Drop("t")
	require.Equal(t, 0, r.Len("t"))
	require.NoError(t, r.Append("t", Step{Index: 0, Action: planner.Think{Text: "fresh"}}))
}
