package model

import (
	"image"
	"time"
)

// Frame is one decoded camera image. A frame is owned by whichever stage
// holds it and is never shared between stages.
type Frame struct {
	Image      image.Image
	Seq        uint64
	CapturedAt time.Time
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// DetectionBox is one detector hit in pixel coordinates of the frame it came from.
type DetectionBox struct {
	Confidence float64
	ClassID    int
	Rect       image.Rectangle
}

// DetectOptions are the per-call detector parameters.
type DetectOptions struct {
	MaxSize       int
	MinConfidence float64
	NMSIoU        float64
	Classes       []int // nil means every class
}

// Allows reports whether classID passes the class filter.
func (o DetectOptions) Allows(classID int) bool {
	if len(o.Classes) == 0 {
		return true
	}
	for _, c := range o.Classes {
		if c == classID {
			return true
		}
	}
	return false
}
