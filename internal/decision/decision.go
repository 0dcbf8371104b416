// Package decision turns one frame's detections into an obstacle verdict.
//
// Everything here is a pure function of its inputs: the control loop reruns it
// for every processed frame and keeps no history.
package decision

import (
	"roverpilot/internal/model"
)

// Primary score weights: large boxes and boxes low in the frame are closer.
const (
	areaWeight   = 0.7
	bottomWeight = 0.3
)

// Thresholds are the classifier cut-offs, as fractions of the frame.
type Thresholds struct {
	CenterDeadband float64
	NearArea       float64
	NearHeight     float64
	BottomNear     float64
}

// ThresholdsFrom extracts the classifier thresholds from the decision config.
func ThresholdsFrom(c model.DecisionConfig) Thresholds {
	return Thresholds{
		CenterDeadband: c.CenterDeadband,
		NearArea:       c.NearArea,
		NearHeight:     c.NearHeight,
		BottomNear:     c.BottomNear,
	}
}

// Primary is the most salient box of a frame together with its score.
type Primary struct {
	Box   model.DetectionBox
	Score float64
}

// Classification describes where a box sits in the frame and how near it looks.
type Classification struct {
	CenterX    float64
	HeightFrac float64
	AreaFrac   float64
	BottomFrac float64

	InCenter     bool
	NearByHeight bool
	NearByBottom bool
	NearByArea   bool

	FrontClose bool
	VeryClose  bool
}

// Near reports whether any proximity signal fired.
func (c Classification) Near() bool {
	return c.NearByHeight || c.NearByBottom || c.NearByArea
}

// PickPrimaryObstacle returns the highest scoring box among those at or above
// minConfidence. Ties keep the first box seen.
func PickPrimaryObstacle(boxes []model.DetectionBox, frameW, frameH int, minConfidence float64) (Primary, bool) {
	if frameW <= 0 || frameH <= 0 {
		return Primary{}, false
	}
	frameArea := float64(frameW * frameH)
	best := Primary{Score: -1}
	found := false
	for _, b := range boxes {
		if b.Confidence < minConfidence {
			continue
		}
		area := max(1, b.Rect.Dx()*b.Rect.Dy())
		score := areaWeight*float64(area)/frameArea + bottomWeight*float64(b.Rect.Max.Y)/float64(frameH)
		if score > best.Score {
			best = Primary{Box: b, Score: score}
			found = true
		}
	}
	return best, found
}

// Classify computes the box geometry relative to the frame and the front/close verdict.
//
// An obstacle is in front when it is centred or large, and close when it is
// tall, low in the frame or large. FrontClose needs both.
func Classify(box model.DetectionBox, frameW, frameH int, t Thresholds) Classification {
	if frameW <= 0 || frameH <= 0 {
		return Classification{}
	}
	r := box.Rect
	w := max(1, r.Dx())
	h := max(1, r.Dy())
	fw, fh := float64(frameW), float64(frameH)

	c := Classification{
		CenterX:    float64(r.Min.X+r.Max.X) / 2 / fw,
		HeightFrac: float64(h) / fh,
		AreaFrac:   float64(w*h) / (fw * fh),
		BottomFrac: float64(r.Max.Y) / fh,
	}
	c.InCenter = c.CenterX >= 0.5-t.CenterDeadband && c.CenterX <= 0.5+t.CenterDeadband
	c.NearByHeight = c.HeightFrac >= t.NearHeight
	c.NearByBottom = c.BottomFrac >= t.BottomNear
	c.NearByArea = c.AreaFrac >= t.NearArea

	front := c.InCenter || c.NearByArea
	c.FrontClose = front && c.Near()
	c.VeryClose = c.FrontClose && c.NearByHeight
	return c
}

// ChooseTurnAway turns away from the obstacle's side.
func ChooseTurnAway(centerX float64) model.Command {
	if centerX < 0.5 {
		return model.Right
	}
	return model.Left
}

// Verdict is the combined outcome of one frame.
type Verdict struct {
	Found   bool
	Primary Primary
	Classification
}

// Evaluate picks the primary obstacle and classifies it.
func Evaluate(boxes []model.DetectionBox, frameW, frameH int, minConfidence float64, t Thresholds) Verdict {
	p, ok := PickPrimaryObstacle(boxes, frameW, frameH, minConfidence)
	if !ok {
		return Verdict{}
	}
	return Verdict{Found: true, Primary: p, Classification: Classify(p.Box, frameW, frameH, t)}
}
