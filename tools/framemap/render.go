package main

import (
	"fmt"
	"image/color"

	"github.com/fogleman/gg"

	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
)

const (
	// headerHeight is the vertical space reserved for each pool's caption.
	headerHeight = 18

	// poolSpacing separates the grids of consecutive pools.
	poolSpacing = 8
)

var (
	background = color.RGBA{R: 24, G: 24, B: 32, A: 255}
	captionFg  = color.RGBA{R: 230, G: 230, B: 230, A: 255}

	// stateColors is indexed by pmm.FrameState.
	stateColors = [...]color.RGBA{
		pmm.FrameFree:      {R: 56, G: 142, B: 60, A: 255},
		pmm.FrameHeadOfRun: {R: 229, G: 57, B: 53, A: 255},
		pmm.FrameAllocated: {R: 251, G: 140, B: 0, A: 255},
	}
)

// layout controls the geometry of the rendered frame map.
type layout struct {
	columns  int
	cellSize int
}

// poolRows returns the number of grid rows needed for n frames.
func (l layout) poolRows(n uint32) int {
	return (int(n) + l.columns - 1) / l.columns
}

func (l layout) poolHeight(n uint32) int {
	return headerHeight + l.poolRows(n)*l.cellSize
}

// imageSize returns the dimensions of the image that holds all pools.
func (l layout) imageSize(pools []*pmm.FramePool) (int, int) {
	height := poolSpacing
	for _, pool := range pools {
		height += l.poolHeight(pool.FrameCount()) + poolSpacing
	}
	return l.columns*l.cellSize + 2*poolSpacing, height
}

// renderFrameMap draws one grid per pool with a cell for every frame,
// colored by the frame's state.
func renderFrameMap(pools []*pmm.FramePool, l layout) (*gg.Context, error) {
	width, height := l.imageSize(pools)
	dc := gg.NewContext(width, height)

	setColor(dc, background)
	dc.Clear()

	y := poolSpacing
	for _, pool := range pools {
		setColor(dc, captionFg)
		dc.DrawStringAnchored(caption(pool), poolSpacing, float64(y+headerHeight/2), 0, 0.5)
		y += headerHeight

		base := pool.BaseFrame()
		for index := uint32(0); index < pool.FrameCount(); index++ {
			state, err := pool.State(base + mm.Frame(index))
			if err != nil {
				return nil, fmt.Errorf("frame %d: %s", uint64(base)+uint64(index), err.Error())
			}

			var (
				col = int(index) % l.columns
				row = int(index) / l.columns
			)
			setColor(dc, stateColors[state])
			dc.DrawRectangle(
				float64(poolSpacing+col*l.cellSize),
				float64(y+row*l.cellSize),
				float64(l.cellSize),
				float64(l.cellSize),
			)
			dc.Fill()
		}

		y += l.poolRows(pool.FrameCount())*l.cellSize + poolSpacing
	}

	return dc, nil
}

func caption(pool *pmm.FramePool) string {
	return fmt.Sprintf("frames [%d - %d): %d free",
		uint64(pool.BaseFrame()), uint64(pool.BaseFrame())+uint64(pool.FrameCount()), pool.FreeFrames())
}

func setColor(dc *gg.Context, c color.RGBA) {
	dc.SetRGB255(int(c.R), int(c.G), int(c.B))
}
