package upload

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"classchat/internal/domain"
)

// Media types accepted as attachments. Everything else is rejected before
// any bytes leave the machine.
var allowedTypes = map[string]domain.AttachmentKind{
	"image/jpeg":      domain.AttachmentImage,
	"image/png":       domain.AttachmentImage,
	"image/gif":       domain.AttachmentImage,
	"image/webp":      domain.AttachmentImage,
	"video/mp4":       domain.AttachmentVideo,
	"video/webm":      domain.AttachmentVideo,
	"video/quicktime": domain.AttachmentVideo,
}

// mimeByExt maps extensions directly so classification does not depend on
// the host's mime tables.
var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
}

// DetectType classifies a filename by extension. ok is false when the file
// is not an accepted image or video.
func DetectType(name string) (kind domain.AttachmentKind, mimeType string, ok bool) {
	ext := strings.ToLower(filepath.Ext(name))
	mimeType, ok = mimeByExt[ext]
	if !ok {
		return "", "", false
	}
	return allowedTypes[mimeType], mimeType, true
}

// KindForMime classifies a mime type already in hand, e.g. from a multipart
// part header.
func KindForMime(mimeType string) (domain.AttachmentKind, bool) {
	kind, ok := allowedTypes[strings.ToLower(strings.TrimSpace(mimeType))]
	return kind, ok
}

// CheckSize enforces the upload size cap.
func CheckSize(name string, size, max int64) error {
	if size > max {
		return fmt.Errorf("%s is too large: %s (limit %s)",
			name, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(max)))
	}
	return nil
}
