package vision

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"roverpilot/internal/decision"
	"roverpilot/internal/model"
	"roverpilot/internal/util"
)

var (
	boxColor    = color.RGBA{0, 255, 0, 0}
	centreColor = color.RGBA{0, 0, 255, 0}
)

// Window draws the primary obstacle and its centre line in a HighGUI window.
type Window struct {
	win *gocv.Window
}

// NewWindow opens a debug window titled name.
func NewWindow(name string) *Window {
	return &Window{win: gocv.NewWindow(name)}
}

// Show renders one front-close frame.
func (w *Window) Show(f *model.Frame, v decision.Verdict) {
	img, err := gocv.ImageToMatRGB(f.Image)
	if err != nil {
		util.Debug("[Vision] debug frame: %v", err)
		return
	}
	defer img.Close()

	gocv.Rectangle(&img, v.Primary.Box.Rect, boxColor, 2)
	cx := int(v.CenterX * float64(f.Width()))
	gocv.Line(&img, image.Pt(cx, 0), image.Pt(cx, f.Height()), centreColor, 1)
	w.win.IMShow(img)
	w.win.WaitKey(1)
}

// Close destroys the window.
func (w *Window) Close() error {
	return w.win.Close()
}
