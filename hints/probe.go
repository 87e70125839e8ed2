package hints

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ProbeSize decodes only the image header at path.
func ProbeSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// Probe returns the width/height ratio of the image at path.
func Probe(path string) (float64, error) {
	w, h, err := ProbeSize(path)
	if err != nil {
		return 0, err
	}
	if w <= 0 || h <= 0 {
		return 0, fmt.Errorf("%s is %dx%d: %w", path, w, h, ErrInvalidRatio)
	}
	return float64(w) / float64(h), nil
}

// LearnFile probes path and records its ratio under key.
func (s *Store) LearnFile(key, path string) (float64, error) {
	r, err := Probe(path)
	if err != nil {
		return 0, err
	}
	if err := s.Learn(key, r); err != nil {
		return 0, err
	}
	r, _ = Sanitize(r, s.cfg.MinRatio, s.cfg.MaxRatio)
	return r, nil
}
