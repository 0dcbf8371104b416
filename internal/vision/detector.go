package vision

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"roverpilot/internal/model"
)

// YOLODetector runs a YOLOv8 ONNX export through the OpenCV DNN module.
// The network output is [1, 4+classes, anchors]: box centre and size in input
// pixels followed by one score per class.
type YOLODetector struct {
	net gocv.Net
	mu  sync.Mutex
}

// NewYOLODetector loads the model. backend is "cpu" or "cuda".
func NewYOLODetector(modelPath, backend string) (*YOLODetector, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load YOLO network from %s", modelPath)
	}
	switch backend {
	case "cuda":
		if err := net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
			return nil, fmt.Errorf("cuda backend: %w", err)
		}
		if err := net.SetPreferableTarget(gocv.NetTargetCUDA); err != nil {
			return nil, fmt.Errorf("cuda target: %w", err)
		}
	default:
		if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
			return nil, fmt.Errorf("cpu backend: %w", err)
		}
		if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
			return nil, fmt.Errorf("cpu target: %w", err)
		}
	}
	return &YOLODetector{net: net}, nil
}

// Detect returns the boxes of f above opts.MinConfidence after class filtering
// and non-maximum suppression, in frame pixel coordinates.
func (d *YOLODetector) Detect(f *model.Frame, opts model.DetectOptions) ([]model.DetectionBox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	frame, err := gocv.ImageToMatRGB(f.Image)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer frame.Close()

	size := opts.MaxSize
	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")

	output := d.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 || dims[1] <= 4 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	rows, anchors := dims[1], dims[2]
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}

	xScale := float32(frame.Cols()) / float32(size)
	yScale := float32(frame.Rows()) / float32(size)

	var (
		rects   []image.Rectangle
		scores  []float32
		classes []int
	)
	for a := 0; a < anchors; a++ {
		bestClass, bestScore := -1, float32(0)
		for c := 4; c < rows; c++ {
			if s := data[c*anchors+a]; s > bestScore {
				bestClass, bestScore = c-4, s
			}
		}
		if bestClass < 0 || float64(bestScore) < opts.MinConfidence || !opts.Allows(bestClass) {
			continue
		}
		cx, cy := data[a]*xScale, data[anchors+a]*yScale
		w, h := data[2*anchors+a]*xScale, data[3*anchors+a]*yScale
		rects = append(rects, image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)))
		scores = append(scores, bestScore)
		classes = append(classes, bestClass)
	}
	if len(rects) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(rects, scores, float32(opts.MinConfidence), float32(opts.NMSIoU))
	boxes := make([]model.DetectionBox, 0, len(keep))
	for _, i := range keep {
		boxes = append(boxes, model.DetectionBox{
			Confidence: float64(scores[i]),
			ClassID:    classes[i],
			Rect:       rects[i],
		})
	}
	return boxes, nil
}

// Close releases the network.
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
