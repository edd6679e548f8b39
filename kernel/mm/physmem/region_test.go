package physmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tutos/kernel"
	"tutos/kernel/mm"
)

func TestRegion(t *testing.T) {
	r, err := NewRegion(0x200123, mm.Mb)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, uintptr(0x200000), r.Base())
	require.Equal(t, mm.Mb+mm.Size(mm.PageSize), r.Size())

	t.Run("read/write", func(t *testing.T) {
		b, kerr := r.Bytes(0x2ff000, 8)
		require.Nil(t, kerr)
		require.Len(t, b, 8)
		b[0] = 0xaa

		again, kerr := r.Bytes(0x2ff000, 1)
		require.Nil(t, kerr)
		require.Equal(t, byte(0xaa), again[0])
	})

	t.Run("views do not grow into neighbours", func(t *testing.T) {
		b, kerr := r.Bytes(0x200000, 8)
		require.Nil(t, kerr)
		require.Equal(t, 8, cap(b))
	})

	t.Run("out of window", func(t *testing.T) {
		specs := []struct {
			addr, size uintptr
		}{
			{0x1ff000, 8},
			{0x1ffffc, 8},
			{0x300ffc, 8},
			{0x301000, 1},
			{0x200000, uintptr(r.Size()) + 1},
		}

		for specIndex, spec := range specs {
			_, kerr := r.Bytes(spec.addr, spec.size)
			require.Equal(t, errOutOfWindow, kerr, "spec %d", specIndex)
			require.Equal(t, kernel.KindInvalidArgument, kerr.Kind)
		}
	})

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestNewRegionErrors(t *testing.T) {
	_, err := NewRegion(0x200000, 0)
	require.Error(t, err)
}

func TestIdentityNullPage(t *testing.T) {
	_, kerr := Identity{}.Bytes(0x10, 8)
	require.Equal(t, errNullAccess, kerr)
}
