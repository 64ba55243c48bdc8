package consumer

import (
	"github.com/abihf/framecap/frame"
)

// darkLevel is the 8-bit value below which a pixel counts as dark.
const darkLevel = 80

// Levels summarise the brightness of a frame on an 8-bit scale.
type Levels struct {
	Min  uint8   `json:"min"`
	Max  uint8   `json:"max"`
	Mean float64 `json:"mean"`
	// Dark is the fraction of pixels below darkLevel.
	Dark float64 `json:"dark"`
}

// GoodBlackLevel reports whether the exposure leaves some but not most of the
// frame dark.
func (l Levels) GoodBlackLevel() bool {
	return l.Dark > 0.1 && l.Dark < 0.7
}

// Measure computes the levels of b.
func Measure(b *frame.Buffer) Levels {
	return measureGray(Render8(b).Pix)
}

func measureGray(pix []byte) Levels {
	total := len(pix)
	if total == 0 {
		return Levels{}
	}
	lv := Levels{Min: 255}
	dark := 0
	sum := 0
	for _, v := range pix {
		if v < darkLevel {
			dark++
		}
		if v < lv.Min {
			lv.Min = v
		}
		if v > lv.Max {
			lv.Max = v
		}
		sum += int(v)
	}
	lv.Mean = float64(sum) / float64(total)
	lv.Dark = float64(dark) / float64(total)
	return lv
}
