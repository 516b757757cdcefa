package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Uploader publishes restored images through a FileStore and maps the
// resulting key onto a public URL that downstream records can carry.
type Uploader struct {
	store   *FileStore
	baseURL string
}

// NewUploader constructs an Uploader. baseURL is the externally reachable
// prefix under which stored keys are served.
func NewUploader(store *FileStore, baseURL string) (*Uploader, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("storage: public base URL is required")
	}
	return &Uploader{store: store, baseURL: baseURL}, nil
}

// UploadResult stores the final image for a job and returns its public URL.
// Keys are namespaced per session so operators can browse a session's output
// in one place.
func (u *Uploader) UploadResult(ctx context.Context, sessionID, jobID string, data []byte, format string) (string, error) {
	key := fmt.Sprintf("results/%s/%s%s", sessionID, jobID, extensionFor(format))
	stored, err := u.store.Write(ctx, key, data)
	if err != nil {
		return "", err
	}
	return u.baseURL + "/" + stored, nil
}

// UploadStepOutput stores an intermediate step output for audit and debug.
func (u *Uploader) UploadStepOutput(ctx context.Context, jobID string, stepIndex int, data []byte, format string) (string, error) {
	key := fmt.Sprintf("steps/%s/%02d%s", jobID, stepIndex, extensionFor(format))
	return u.store.Write(ctx, key, data)
}

func extensionFor(format string) string {
	switch format {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
