package room

// Palette is the fixed, ordered set of participant colors. Colors are handed
// out cyclically in join order, so the order is part of observable behavior.
var Palette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#FFA07A",
	"#98D8C8",
	"#F7DC6F",
	"#BB8FCE",
	"#85C1E2",
	"#F8B739",
	"#52B788",
}

// NextColor maps a room's join counter to a palette color.
func NextColor(counter uint) string {
	return Palette[counter%uint(len(Palette))]
}
