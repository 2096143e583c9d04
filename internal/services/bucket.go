package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/clovisapp/clovis-backend/internal/logger"
)

// BucketService is the keyed object store the pipeline writes blueprint
// sources and rendered pages into. Keys are partitioned per blueprint by
// key prefix, so there is no cross-record contention.
type BucketService interface {
	UploadObject(ctx context.Context, key string, data io.Reader) error
	DownloadObject(ctx context.Context, key string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, keyPrefix string) error
	GetPublicURL(key string) string
}

type bucketService struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucketName    string
	cdnDomain     string
}

func NewBucketService(log *logger.Logger) (BucketService, error) {
	serviceLog := log.With("service", "BucketService")
	bucket := os.Getenv("GCS_BUCKET_NAME")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var GCS_BUCKET_NAME")
	}
	cdnDomain := os.Getenv("CDN_DOMAIN")
	saPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")
	if saPath == "" {
		serviceLog.Warn("GOOGLE_APPLICATION_CREDENTIALS_JSON not set; relying on ADC")
	}
	ctx := context.Background()
	var stClient *storage.Client
	var err error
	if saPath != "" {
		stClient, err = storage.NewClient(ctx, option.WithCredentialsFile(saPath), option.WithScopes(storage.ScopeReadWrite))
	} else {
		stClient, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &bucketService{
		log:           serviceLog,
		storageClient: stClient,
		bucketName:    bucket,
		cdnDomain:     cdnDomain,
	}, nil
}

func (bs *bucketService) UploadObject(ctx context.Context, key string, data io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	w := bs.storageClient.Bucket(bs.bucketName).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write object %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer for %q: %w", key, err)
	}
	return nil
}

func (bs *bucketService) DownloadObject(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := bs.storageClient.Bucket(bs.bucketName).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open object %q: %w", key, err)
	}
	return r, nil
}

func (bs *bucketService) DeleteObject(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	o := bs.storageClient.Bucket(bs.bucketName).Object(key)
	if err := o.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete object %q: %w", key, err)
	}
	return nil
}

// DeleteByPrefix removes every object under keyPrefix. The blob footprint
// has no other owner once the blueprint record is gone, so a partial
// failure is returned to the caller for retry.
func (bs *bucketService) DeleteByPrefix(ctx context.Context, keyPrefix string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	bucket := bs.storageClient.Bucket(bs.bucketName)
	it := bucket.Objects(ctx, &storage.Query{Prefix: keyPrefix})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list objects under %q: %w", keyPrefix, err)
		}
		name := attrs.Name
		g.Go(func() error {
			return bs.DeleteObject(gctx, name)
		})
	}
	return g.Wait()
}

func (bs *bucketService) GetPublicURL(key string) string {
	if bs.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", bs.cdnDomain, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bs.bucketName, key)
}

// memoryBucketService keeps objects in process memory. It backs tests and
// local development where no bucket is reachable, behind the same
// interface as the GCS implementation.
type memoryBucketService struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryBucketService() BucketService {
	return &memoryBucketService{objects: make(map[string][]byte)}
}

func (ms *memoryBucketService) UploadObject(ctx context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.objects[key] = raw
	return nil
}

func (ms *memoryBucketService) DownloadObject(ctx context.Context, key string) (io.ReadCloser, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	raw, ok := ms.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (ms *memoryBucketService) DeleteObject(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.objects, key)
	return nil
}

func (ms *memoryBucketService) DeleteByPrefix(ctx context.Context, keyPrefix string) error {
	ms.mu.RLock()
	var matched []string
	for key := range ms.objects {
		if strings.HasPrefix(key, keyPrefix) {
			matched = append(matched, key)
		}
	}
	ms.mu.RUnlock()
	for _, key := range matched {
		if err := ms.DeleteObject(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (ms *memoryBucketService) GetPublicURL(key string) string {
	return "memory://" + key
}

// Keys lists stored object keys, sorted. Test helper.
func (ms *memoryBucketService) Keys() []string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	keys := make([]string, 0, len(ms.objects))
	for key := range ms.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
