package draw

import (
	"math"
	"sort"

	"github.com/alexbotov/rifas/internal/broadcast"
)

// Wheel computes where the viewers' roulette must stop so that the pointer
// rests on the middle of the selected slice
type Wheel struct {
	ExtraSpins   int
	PointerAngle float64
}

// DefaultWheel points at the top of the wheel and spins five full turns
var DefaultWheel = Wheel{ExtraSpins: 5, PointerAngle: 270}

// Rotation returns the absolute target rotation in degrees for slice idx of
// n, starting from current. The result is always past current by at least
// ExtraSpins full turns.
func (w Wheel) Rotation(current float64, idx, n int) float64 {
	slice := 360 / float64(n)
	mid := float64(idx)*slice + slice/2

	target := mod360(w.PointerAngle - mid)
	diff := mod360(target - mod360(current))

	return current + float64(w.ExtraSpins)*360 + diff
}

// SliceAt returns the index of the slice under the pointer for a rotation
func (w Wheel) SliceAt(rotation float64, n int) int {
	slice := 360 / float64(n)
	angle := mod360(w.PointerAngle - rotation)
	idx := int(angle / slice)
	if idx >= n {
		idx = n - 1
	}
	return idx
}

func mod360(deg float64) float64 {
	m := math.Mod(deg, 360)
	if m < 0 {
		m += 360
	}
	return m
}

const anonymous = "Anónimo"

// buildSlices lists the tickets of pool in ascending order with their owners
func buildSlices(pool []int, owners map[int]string) []broadcast.Slice {
	sorted := append([]int(nil), pool...)
	sort.Ints(sorted)

	slices := make([]broadcast.Slice, len(sorted))
	for i, t := range sorted {
		name := owners[t]
		if name == "" {
			name = anonymous
		}
		slices[i] = broadcast.Slice{Ticket: t, Name: name}
	}
	return slices
}
