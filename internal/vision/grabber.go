// Package vision holds the OpenCV backed collaborators of the autopilot: the
// RTSP frame grabber, the YOLO detector and the debug window.
package vision

import (
	"errors"
	"fmt"
	"image"
	"strconv"

	"gocv.io/x/gocv"

	"roverpilot/internal/framesource"
)

var errEmptyFrame = errors.New("vision: empty frame")

// Grabber opens camera streams with OpenCV. A numeric uri selects a local device.
type Grabber struct{}

// Open opens uri and keeps the decoder buffer at one frame so reads stay fresh.
func (Grabber) Open(uri string) (framesource.Capture, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if id, convErr := strconv.Atoi(uri); convErr == nil {
		vc, err = gocv.VideoCaptureDevice(id)
	} else {
		vc, err = gocv.VideoCaptureFile(uri)
	}
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("capture %s did not open", uri)
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	return &capture{vc: vc, mat: gocv.NewMat()}, nil
}

type capture struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

// Read decodes the next frame into a Go image.
func (c *capture) Read() (image.Image, error) {
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, errEmptyFrame
	}
	return c.mat.ToImage()
}

func (c *capture) Close() error {
	if err := c.mat.Close(); err != nil {
		return err
	}
	return c.vc.Close()
}
