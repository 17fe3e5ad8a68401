// Package archive stores shipment source documents (the scanned manifests
// imports are keyed from) in object storage and links them to their shipment
// records.
package archive

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"waresync/internal/models"
	syncsvc "waresync/internal/sync"
)

// ObjectStore is the storage surface the archive needs.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, object string, reader io.Reader, size int64, contentType string) error
	PresignedURL(ctx context.Context, bucket, object string, expiry time.Duration) (string, error)
	Remove(ctx context.Context, bucket, object string) error
	EnsureBucket(ctx context.Context, bucket string) error
}

type minioStore struct {
	client *minio.Client
}

func NewMinioStore(endpoint, accessKey, secretKey string, useSSL bool) (ObjectStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &minioStore{client: client}, nil
}

func (m *minioStore) Upload(ctx context.Context, bucket, object string, reader io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, bucket, object, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (m *minioStore) PresignedURL(ctx context.Context, bucket, object string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, bucket, object, expiry, nil)
	if err != nil {
		return "", err
	}
	return url.String(), nil
}

func (m *minioStore) Remove(ctx context.Context, bucket, object string) error {
	return m.client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{})
}

func (m *minioStore) EnsureBucket(ctx context.Context, bucket string) error {
	found, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !found {
		return m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
	}
	return nil
}

// ShipmentAttacher links an archived document path to a shipment record.
// *sync.ShipmentSync satisfies it.
type ShipmentAttacher interface {
	AttachDocument(ctx context.Context, id, documentPath string) (*models.Shipment, error)
}

var _ ShipmentAttacher = (*syncsvc.ShipmentSync)(nil)

// Archive uploads shipment documents and records the object path on the
// shipment. Archival is online-only: a document nobody can fetch is useless,
// so there is no queued fallback.
type Archive struct {
	store     ObjectStore
	shipments ShipmentAttacher
	bucket    string
	log       *zap.Logger
}

func New(store ObjectStore, shipments ShipmentAttacher, bucket string, log *zap.Logger) *Archive {
	return &Archive{store: store, shipments: shipments, bucket: bucket, log: log}
}

// ObjectPath builds the canonical object key for a shipment document.
func ObjectPath(shipmentID, filename string) string {
	return path.Join("shipments", time.Now().UTC().Format("2006/01"), shipmentID+"-"+filename)
}

// StoreDocument uploads the document and attaches its path to the shipment.
func (a *Archive) StoreDocument(ctx context.Context, shipmentID, filename, contentType string, reader io.Reader, size int64) (*models.Shipment, error) {
	if shipmentID == "" || filename == "" {
		return nil, fmt.Errorf("%w: shipment id and filename are required", models.ErrValidation)
	}
	if err := a.store.EnsureBucket(ctx, a.bucket); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", a.bucket, err)
	}

	object := ObjectPath(shipmentID, filename)
	if err := a.store.Upload(ctx, a.bucket, object, reader, size, contentType); err != nil {
		return nil, fmt.Errorf("upload %s: %w", object, err)
	}

	shipment, err := a.shipments.AttachDocument(ctx, shipmentID, object)
	if err != nil {
		// The object exists but the shipment row does not point at it;
		// remove it rather than leak an orphan.
		if rmErr := a.store.Remove(ctx, a.bucket, object); rmErr != nil {
			a.log.Warn("orphaned document cleanup failed",
				zap.String("object", object), zap.Error(rmErr))
		}
		return nil, err
	}
	a.log.Info("shipment document archived",
		zap.String("shipmentId", shipmentID), zap.String("object", object))
	return shipment, nil
}

// DocumentURL returns a time-limited download link for a shipment's document.
func (a *Archive) DocumentURL(ctx context.Context, shipment *models.Shipment, expiry time.Duration) (string, error) {
	if shipment.DocumentPath == "" {
		return "", fmt.Errorf("%w: shipment %s has no document", models.ErrNotFound, shipment.ID)
	}
	return a.store.PresignedURL(ctx, a.bucket, shipment.DocumentPath, expiry)
}
