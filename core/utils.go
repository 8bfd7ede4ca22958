package core

import (
	"reflect"

	"github.com/brambleworks/bramble/state"
)

func Get[T state.Module](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

// SeqnoLt compares sequence numbers modulo 2^16.
func SeqnoLt(a, b uint16) bool {
	x := b - a
	return 0 < x && x < 32768
}

func SeqnoLe(a, b uint16) bool {
	return a == b || SeqnoLt(a, b)
}
func SeqnoGt(a, b uint16) bool {
	return !SeqnoLe(a, b)
}
func SeqnoGe(a, b uint16) bool {
	return !SeqnoLt(a, b)
}

// quantizeReliability packs a 0.0–1.0 reliability score into a byte for the
// wire, rounding down so a path never looks better than it is.
func quantizeReliability(rel float64) uint8 {
	if rel <= 0 {
		return 0
	}
	if rel >= 1 {
		return 255
	}
	return uint8(rel * 255)
}

func unquantizeReliability(q uint8) float64 {
	return float64(q) / 255
}
