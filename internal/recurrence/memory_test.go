package recurrence

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-qanetxl/internal/device"
)

// segment builds a [batch, dim, qlen] tensor whose value at time t is base+t.
func segment(batch, dim, qlen int, base float32) *device.Tensor {
	x := device.NewTensor(device.Shape{batch, dim, qlen}, nil)
	for b := 0; b < batch; b++ {
		for d := 0; d < dim; d++ {
			for t := 0; t < qlen; t++ {
				x.Set(base+float32(t), b, d, t)
			}
		}
	}
	return x
}

func TestInitMems(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		m := InitMems(2, 0)
		require.Equal(t, MemoryAbsent, m.Kind())
		require.Zero(t, m.Steps())
		require.Nil(t, m.Buffer(0))
	})

	t.Run("Enabled", func(t *testing.T) {
		m := InitMems(8, 20)
		require.True(t, m.IsPresent())
		require.Equal(t, 8, m.Layers())
		require.Zero(t, m.Steps())
		for i := 0; i < m.Layers(); i++ {
			require.False(t, m.Buffer(i).RequiresGrad())
		}
	})

	var zero Memory
	require.True(t, zero.IsUnset())
}

func TestUpdateMems_AbsenceIsSticky(t *testing.T) {
	hids := []*device.Tensor{segment(1, 2, 3, 0)}
	require.Equal(t, MemoryAbsent, UpdateMems(hids, Absent(), 3, 0, 10).Kind())
	require.Equal(t, MemoryAbsent, UpdateMems(hids, Memory{}, 3, 0, 10).Kind())
}

func TestUpdateMems_LayerMismatchPanics(t *testing.T) {
	hids := []*device.Tensor{segment(1, 2, 3, 0)}
	require.Panics(t, func() {
		UpdateMems(hids, InitMems(2, 10), 3, 0, 10)
	})
}

func TestUpdateMems_Window(t *testing.T) {
	cases := []struct{ memLen, prior, qlen int }{
		{memLen: 20, prior: 0, qlen: 10},
		{memLen: 20, prior: 10, qlen: 10},
		{memLen: 20, prior: 20, qlen: 10},
		{memLen: 5, prior: 0, qlen: 10},
		{memLen: 5, prior: 5, qlen: 1},
		{memLen: 7, prior: 3, qlen: 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("mem%d_prior%d_q%d", tc.memLen, tc.prior, tc.qlen), func(t *testing.T) {
			mem := InitMems(2, tc.memLen)
			if tc.prior > 0 {
				seed := []*device.Tensor{segment(2, 3, tc.prior, 0), segment(2, 3, tc.prior, 0)}
				mem = UpdateMems(seed, mem, tc.prior, 0, tc.memLen)
			}
			require.Equal(t, tc.prior, mem.Steps())

			hids := []*device.Tensor{segment(2, 3, tc.qlen, 100), segment(2, 3, tc.qlen, 100)}
			next := UpdateMems(hids, mem, tc.qlen, mem.Steps(), tc.memLen)

			want := min(tc.memLen, tc.prior+tc.qlen)
			for i := 0; i < next.Layers(); i++ {
				buf := next.Buffer(i)
				require.Equal(t, want, buf.Dim(0))
				require.LessOrEqual(t, buf.Dim(0), tc.memLen)
				require.False(t, buf.RequiresGrad())
				require.Empty(t, buf.Parents())
			}
		})
	}
}

func TestUpdateMems_KeepsMostRecentSteps(t *testing.T) {
	// Two consecutive calls with qlen=10, memLen=20 followed by a third:
	// 10 cached, then 20, then still 20 with the oldest 10 dropped.
	const qlen, memLen = 10, 20
	mem := InitMems(1, memLen)

	lengths := []int{}
	for call := 0; call < 3; call++ {
		hids := []*device.Tensor{segment(1, 1, qlen, float32(call*100))}
		mem = UpdateMems(hids, mem, qlen, mem.Steps(), memLen)
		lengths = append(lengths, mem.Steps())
	}
	assert.Equal(t, []int{10, 20, 20}, lengths)

	// Time-major buffer [steps, batch, dim]: calls 1 and 2 survive.
	buf := mem.Buffer(0)
	assert.Equal(t, float32(100), buf.At(0, 0, 0))
	assert.Equal(t, float32(109), buf.At(9, 0, 0))
	assert.Equal(t, float32(200), buf.At(10, 0, 0))
	assert.Equal(t, float32(209), buf.At(19, 0, 0))
}

func TestPresent_DetachesBuffers(t *testing.T) {
	w := device.NewParam(device.Shape{1, 1, 1}, []float32{1})
	derived := device.Add(w, w)
	m := Present([]*device.Tensor{derived})
	require.False(t, m.Buffer(0).RequiresGrad())
	require.False(t, m.Buffer(0).DependsOn(w))
}
