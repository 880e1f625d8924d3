package chat

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/petervdpas/goopchat/internal/blob"
	"github.com/petervdpas/goopchat/internal/bus"
)

// Blobs is the attachment store. blob.DiskStore satisfies it.
type Blobs interface {
	Upload(ctx context.Context, data []byte, progress blob.Progress) (string, error)
	DownloadFrom(ctx context.Context, owner, id string, progress blob.Progress) ([]byte, error)
}

// share uploads data and describes it for a file message.
func share(ctx context.Context, blobs Blobs, owner, name, mime string, data []byte, progress blob.Progress) (*bus.FileRef, error) {
	if blobs == nil {
		return nil, fmt.Errorf("file sharing disabled")
	}
	id, err := blobs.Upload(ctx, data, progress)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return &bus.FileRef{
		ID:    id,
		Name:  filepath.Base(name),
		Size:  int64(len(data)),
		MIME:  mime,
		Owner: owner,
	}, nil
}

// fetch downloads the attachment of msg from wherever it is available.
func fetch(ctx context.Context, blobs Blobs, msg *Message, progress blob.Progress) ([]byte, error) {
	if !msg.IsFile() {
		return nil, fmt.Errorf("message %s has no attachment", msg.ID)
	}
	if blobs == nil {
		return nil, fmt.Errorf("file sharing disabled")
	}
	return blobs.DownloadFrom(ctx, msg.File.Owner, msg.File.ID, progress)
}
