package preprocessing

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func solidImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestDecodePNGToCHW(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(4, 4, color.RGBA{255, 0, 51, 255})); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}

	p := NewImageProcessor(2)
	out, err := p.DecodeAndPreprocess(&buf)
	if err != nil {
		t.Fatalf("DecodeAndPreprocess failed: %v", err)
	}
	if out.Width != 2 || out.Height != 2 || out.Channels != 3 || len(out.Data) != 12 {
		t.Fatalf("unexpected output geometry: %dx%dx%d, %d values", out.Channels, out.Height, out.Width, len(out.Data))
	}
	for i := 0; i < 4; i++ {
		if out.Data[i] != 1 || out.Data[4+i] != 0 || out.Data[8+i] != 0.2 {
			t.Fatalf("pixel %d = (%v, %v, %v), expected (1, 0, 0.2)", i, out.Data[i], out.Data[4+i], out.Data[8+i])
		}
	}
}

func TestDecodeJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solidImage(8, 8, color.RGBA{128, 128, 128, 255}), &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("jpeg encode failed: %v", err)
	}
	out, err := NewImageProcessor(4).DecodeAndPreprocess(&buf)
	if err != nil {
		t.Fatalf("DecodeAndPreprocess failed: %v", err)
	}
	for i, v := range out.Data {
		if v < 0.45 || v > 0.55 {
			t.Fatalf("value %d = %v, expected about 0.5", i, v)
		}
	}
}

func TestNearestNeighbourResize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{0, 0, 0, 255})
	img.Set(1, 0, color.RGBA{255, 255, 255, 255})

	out, err := NewImageProcessor(4).Preprocess(img)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	// red plane, first row: two dark columns then two bright ones
	row := out.Data[:4]
	want := []float32{0, 0, 1, 1}
	for i := range want {
		if row[i] != want[i] {
			t.Fatalf("first row = %v, expected %v", row, want)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := NewImageProcessor(4).DecodeAndPreprocess(strings.NewReader("not an image")); err == nil {
		t.Error("expected error for garbage input")
	}
	if _, err := NewImageProcessor(0).Preprocess(solidImage(2, 2, color.RGBA{})); err == nil {
		t.Error("expected error for zero target size")
	}
}

func TestPreprocessBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, c := range []color.RGBA{{255, 0, 0, 255}, {0, 255, 0, 255}, {0, 0, 255, 255}} {
		path := filepath.Join(dir, string(rune('a'+i))+".png")
		writePNG(t, path, solidImage(3, 3, c))
		paths = append(paths, path)
	}

	results, err := PreprocessBatch(context.Background(), paths, 2, 2)
	if err != nil {
		t.Fatalf("PreprocessBatch failed: %v", err)
	}
	for i, r := range results {
		// channel i is saturated for image i
		if r.Data[i*4] != 1 {
			t.Errorf("image %d: channel %d = %v, expected 1", i, i, r.Data[i*4])
		}
	}

	_, err = PreprocessBatch(context.Background(), append(paths, filepath.Join(dir, "missing.png")), 2, 2)
	if err == nil {
		t.Error("expected error for missing file")
	}
}
