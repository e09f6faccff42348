package room

import "math/rand/v2"

// Palette is the fixed set of colours handed to participants on join.
var Palette = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e",
	"#14b8a6", "#3b82f6", "#8b5cf6", "#ec4899",
	"#06b6d4", "#6366f1",
}

// RandomColor picks a palette colour uniformly at random.
func RandomColor() string {
	return Palette[rand.IntN(len(Palette))]
}
