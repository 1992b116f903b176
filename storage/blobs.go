package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// blobs is a flat key/value object space holding JSON documents.
// Generation 0 on write means the object must not exist yet.
type blobs interface {
	read(ctx context.Context, key string) (data []byte, generation int64, err error)
	write(ctx context.Context, key string, data []byte, generation int64) error
	remove(ctx context.Context, key string) error
	list(ctx context.Context, prefix string) ([]string, error)
}

// localBlobs stores documents as files in a directory.
// Concurrency control relies on the process-level user locks.
type localBlobs struct {
	dir string
}

func (b *localBlobs) read(_ context.Context, key string) ([]byte, int64, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("read from local storage: %w", err)
	}
	return data, 1, nil
}

func (b *localBlobs) write(_ context.Context, key string, data []byte, _ int64) error {
	f, err := os.CreateTemp(b.dir, "."+key+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, key)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (b *localBlobs) remove(_ context.Context, key string) error {
	if err := os.Remove(filepath.Join(b.dir, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}

func (b *localBlobs) list(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

// gcsBlobs stores documents in a Cloud Storage bucket. Writes carry a
// generation precondition so two instances cannot overwrite each other.
type gcsBlobs struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

func (b *gcsBlobs) do(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	)
}

func (b *gcsBlobs) read(ctx context.Context, key string) ([]byte, int64, error) {
	var data []byte
	var gen int64
	var missing bool
	err := b.do(ctx, "read", key, func() error {
		r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
		if err != nil {
			// Don't retry on "not found" errors
			if errors.Is(err, storage.ErrObjectNotExist) {
				missing = true
				return retry.Unrecoverable(ErrNotFound)
			}
			return fmt.Errorf("open storage reader: %w", err)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				b.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()

		data, err = io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read from storage: %w", err)
		}
		gen = r.Attrs.Generation
		return nil
	})
	if err != nil {
		if missing {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("load after retries: %w", err)
	}
	return data, gen, nil
}

func (b *gcsBlobs) write(ctx context.Context, key string, data []byte, generation int64) error {
	cond := storage.Conditions{DoesNotExist: true}
	if generation != 0 {
		cond = storage.Conditions{GenerationMatch: generation}
	}

	var conflict bool
	err := b.do(ctx, "write", key, func() error {
		w := b.client.Bucket(b.bucket).Object(key).If(cond).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, err := w.Write(data); err != nil {
			if closeErr := w.Close(); closeErr != nil {
				b.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", err)
		}
		if err := w.Close(); err != nil {
			if isPreconditionFailed(err) {
				conflict = true
				return retry.Unrecoverable(ErrConflict)
			}
			return fmt.Errorf("close storage writer: %w", err)
		}
		return nil
	})
	if err != nil {
		if conflict {
			return fmt.Errorf("write %s: %w", key, ErrConflict)
		}
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (b *gcsBlobs) remove(ctx context.Context, key string) error {
	err := b.do(ctx, "delete", key, func() error {
		if err := b.client.Bucket(b.bucket).Object(key).Delete(ctx); err != nil {
			// Deletion is idempotent
			if errors.Is(err, storage.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete from storage: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

func (b *gcsBlobs) list(ctx context.Context, prefix string) ([]string, error) {
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if strings.HasSuffix(attrs.Name, ".json") {
			keys = append(keys, attrs.Name)
		}
	}
	return keys, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
