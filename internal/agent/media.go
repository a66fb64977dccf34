package agent

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/providers"
)

// maxImageBytes caps how much image data one attachment may add to a
// request (10MB).
const maxImageBytes = 10 * 1024 * 1024

// loadImages reads local image attachments into base64 image content
// for vision-capable models. Non-image paths and unreadable files are
// skipped with a warning so one bad attachment never sinks the run.
func loadImages(paths []string) []providers.ImageContent {
	if len(paths) == 0 {
		return nil
	}

	var images []providers.ImageContent
	for _, p := range paths {
		mime := inferImageMime(p)
		if mime == "" {
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("failed to read image attachment", "path", p, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			slog.Warn("image attachment too large, skipping", "path", p, "size", len(data))
			continue
		}

		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
