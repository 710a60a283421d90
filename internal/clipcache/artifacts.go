package clipcache

import (
	"context"
	"fmt"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore removes rendered clip images from object storage when their
// region changes. Objects live under documents/{documentID}/clips/{regionID}/.
type ArtifactStore struct {
	client *minio.Client
	bucket string
}

func NewArtifactStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ArtifactStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &ArtifactStore{client: client, bucket: bucket}, nil
}

func regionPrefix(documentID, regionID string) string {
	return fmt.Sprintf("documents/%s/clips/%s/", documentID, regionID)
}

// InvalidateRegion removes every stored artifact under the region's prefix.
// Removing a missing object is a no-op, so the call is idempotent.
func (a *ArtifactStore) InvalidateRegion(ctx context.Context, documentID, regionID string) error {
	prefix := regionPrefix(documentID, regionID)
	objects := a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	removed := 0
	for object := range objects {
		if object.Err != nil {
			return fmt.Errorf("list clip artifacts %s: %w", prefix, object.Err)
		}
		if err := a.client.RemoveObject(ctx, a.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove clip artifact %s: %w", object.Key, err)
		}
		removed++
	}
	if removed > 0 {
		log.Printf("clipcache: removed %d artifacts under %s", removed, prefix)
	}
	return nil
}

// Ping verifies the configured bucket is reachable.
func (a *ArtifactStore) Ping(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", a.bucket)
	}
	return nil
}
