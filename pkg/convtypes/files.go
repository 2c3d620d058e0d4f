package convtypes

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// MaxInlineFileSize bounds the size of files inlined into a message.
const MaxInlineFileSize = 10 << 20

// FileFromPath reads a file from disk and returns it as an inline attachment.
func FileFromPath(path string) (FileAttachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileAttachment{}, fmt.Errorf("failed to stat attachment: %w", err)
	}
	if info.IsDir() {
		return FileAttachment{}, fmt.Errorf("attachment %s is a directory", path)
	}
	if info.Size() > MaxInlineFileSize {
		return FileAttachment{}, fmt.Errorf("attachment %s exceeds %d bytes", path, MaxInlineFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return FileAttachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	return FileAttachment{
		Name:     filepath.Base(path),
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
		Size:     int64(len(data)),
	}, nil
}

// NormalizeFiles fills in missing names and MIME types so attachments match the
// content shape the server stores.
func NormalizeFiles(files []FileAttachment) []FileAttachment {
	if len(files) == 0 {
		return nil
	}
	out := make([]FileAttachment, 0, len(files))
	for i, f := range files {
		if f.Name == "" {
			f.Name = fmt.Sprintf("attachment-%d", i+1)
		}
		if f.MimeType == "" {
			f.MimeType = mime.TypeByExtension(filepath.Ext(f.Name))
		}
		if f.MimeType == "" {
			f.MimeType = "application/octet-stream"
		}
		if f.Size == 0 && f.Data != "" {
			if decoded, err := base64.StdEncoding.DecodeString(f.Data); err == nil {
				f.Size = int64(len(decoded))
			}
		}
		out = append(out, f)
	}
	return out
}
