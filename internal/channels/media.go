package channels

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// maxImageDim is the longest edge kept on inbound images. Providers
// reject or silently downscale anything larger, so we normalize here.
const maxImageDim = 2048

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
}

// IsImagePath reports whether a local media path looks like an image.
func IsImagePath(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// NormalizeImage downscales and re-encodes a local image so the bytes
// handed to providers stay bounded. Returns the path to use: the
// original when no work was needed, otherwise a sibling
// "<name>.norm.jpg". Non-images pass through untouched.
func NormalizeImage(path string) (string, error) {
	if !IsImagePath(path) {
		return path, nil
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open image %s: %w", path, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDim && bounds.Dy() <= maxImageDim {
		return path, nil
	}

	var resized image.Image
	if bounds.Dx() >= bounds.Dy() {
		resized = imaging.Resize(img, maxImageDim, 0, imaging.Lanczos)
	} else {
		resized = imaging.Resize(img, 0, maxImageDim, imaging.Lanczos)
	}

	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".norm.jpg"
	if err := imaging.Save(resized, out, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("save normalized image %s: %w", out, err)
	}
	return out, nil
}

// NormalizeMedia maps NormalizeImage over a media list, dropping paths
// that no longer exist. Failures keep the original path; a bad image
// should not lose the message.
func NormalizeMedia(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		norm, err := NormalizeImage(p)
		if err != nil {
			out = append(out, p)
			continue
		}
		out = append(out, norm)
	}
	return out
}
