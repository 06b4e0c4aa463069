// Package storage provides object storage for generated assets (QR code PNGs).
package storage

import "context"

// ObjectStorage abstracts the blob store used for QR code assets.
// Implementations must be safe for concurrent use.
type ObjectStorage interface {
	// Upload stores the object under key and returns its public URL.
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// KeyFromURL maps a public URL previously returned by Upload back to its
	// object key. Returns false when the URL does not belong to this store.
	KeyFromURL(url string) (string, bool)
}
