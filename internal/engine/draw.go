// Package engine provides the built-in inference engines: a pass-through
// engine for pipelines without a model and an adapter for remote inference
// servers.
package engine

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"infernode/internal/pipeline"
)

const jpegQuality = 85

var boxPalette = []color.RGBA{
	{0, 255, 0, 255},
	{255, 165, 0, 255},
	{0, 160, 255, 255},
	{255, 0, 128, 255},
	{255, 255, 0, 255},
}

// annotate renders detection boxes and labels onto a JPEG frame and returns
// a new frame. Box coordinates at or below 1.0 are treated as normalized
// and scaled to the image size.
func annotate(frame *pipeline.Frame, result *pipeline.Result) (*pipeline.Frame, error) {
	if result == nil || len(result.Detections) == 0 {
		return frame.Clone(), nil
	}
	img, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	w := float64(bounds.Dx())
	h := float64(bounds.Dy())
	for i, det := range result.Detections {
		x1, y1, x2, y2 := det.X1, det.Y1, det.X2, det.Y2
		if x2 <= 1.0 && y2 <= 1.0 {
			x1, y1, x2, y2 = x1*w, y1*h, x2*w, y2*h
		}
		c := boxPalette[i%len(boxPalette)]
		drawBox(rgba, int(x1), int(y1), int(x2-x1), int(y2-y1), c, 2)
		label := fmt.Sprintf("%s %.0f%%", det.Class, det.Confidence*100)
		drawLabel(rgba, int(x1), int(y1)-5, label, c)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode annotated frame: %w", err)
	}

	annotated := frame.Clone()
	annotated.Data = buf.Bytes()
	annotated.Width = bounds.Dx()
	annotated.Height = bounds.Dy()
	return annotated, nil
}

func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	for t := 0; t < thickness; t++ {
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if i < 0 {
				continue
			}
			if y+t >= 0 && y+t < bounds.Max.Y {
				img.Set(i, y+t, c)
			}
			if y+h-t >= 0 && y+h-t < bounds.Max.Y {
				img.Set(i, y+h-t, c)
			}
		}
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if j < 0 {
				continue
			}
			if x+t >= 0 && x+t < bounds.Max.X {
				img.Set(x+t, j, c)
			}
			if x+w-t >= 0 && x+w-t < bounds.Max.X {
				img.Set(x+w-t, j, c)
			}
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}

	bg := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if px >= 0 && px < img.Bounds().Max.X && py >= 0 && py < img.Bounds().Max.Y {
				img.Set(px, py, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

// detectionsJSON converts detections plus engine extras into the structured
// payload shape destinations receive.
func detectionsJSON(result *pipeline.Result) map[string]any {
	dets := make([]map[string]any, 0, len(result.Detections))
	for _, d := range result.Detections {
		dets = append(dets, map[string]any{
			"class":      d.Class,
			"confidence": d.Confidence,
			"x1":         d.X1,
			"y1":         d.Y1,
			"x2":         d.X2,
			"y2":         d.Y2,
		})
	}
	out := map[string]any{"detections": dets}
	for k, v := range result.Extra {
		out[k] = v
	}
	return out
}
