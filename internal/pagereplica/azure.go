package pagereplica

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/cockroachdb/errors"
)

// AzureObjectGetter fetches blobs from an Azure Blob Storage container.
type AzureObjectGetter struct {
	Client    *azblob.Client
	Container string
	ChunkSize int
}

// NewAzureObjectGetter wraps an already-authenticated client.
func NewAzureObjectGetter(client *azblob.Client, container string) *AzureObjectGetter {
	return &AzureObjectGetter{Client: client, Container: container}
}

// Get opens a streaming download of the named blob.
func (a *AzureObjectGetter) Get(ctx context.Context, key string) (ResponseMeta, ChunkSource, error) {
	resp, err := a.Client.DownloadStream(ctx, a.Container, key, nil)
	if err != nil {
		return ResponseMeta{}, nil, errors.Wrapf(err, "pagereplica: opening azure blob %q", key)
	}
	var length int64
	if resp.ContentLength != nil {
		length = *resp.ContentLength
	}
	meta := ResponseMeta{ContentLength: length}
	return meta, newReaderChunkSource(resp.Body, a.ChunkSize), nil
}
