package service

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"golang.org/x/sync/errgroup"

	"baliseregistry/internal/domain"
	"baliseregistry/internal/service/s3"
)

// blobParallelism caps concurrent blob calls made for a single balise
const blobParallelism = 10

// blobTransfer is one put or copy towards Key
type blobTransfer struct {
	Key string
	Run func(ctx context.Context) error
}

// runTransfers executes all transfers in parallel and returns the keys that
// were written. On the first failure the remaining transfers are cancelled
// and the error is returned together with the keys written so far.
func runTransfers(ctx context.Context, transfers []blobTransfer) ([]string, error) {
	var (
		mu      sync.Mutex
		written []string
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(blobParallelism)

	for _, transfer := range transfers {
		group.Go(func() error {
			if err := transfer.Run(groupCtx); err != nil {
				return err
			}
			mu.Lock()
			written = append(written, transfer.Key)
			mu.Unlock()
			return nil
		})
	}

	err := group.Wait()
	return written, err
}

func transferKeys(transfers []blobTransfer) []string {
	keys := make([]string, 0, len(transfers))
	for _, transfer := range transfers {
		keys = append(keys, transfer.Key)
	}
	return keys
}

// putTransfers builds uploads of files under keyFn(file name)
func putTransfers(blobs s3.Storage, files []domain.UploadFile, keyFn func(name string) string) []blobTransfer {
	transfers := make([]blobTransfer, 0, len(files))
	for _, file := range files {
		key := keyFn(file.Name)
		transfers = append(transfers, blobTransfer{
			Key: key,
			Run: func(ctx context.Context) error {
				return blobs.PutObject(ctx, key, file.Data, file.ContentType)
			},
		})
	}
	return transfers
}

// deleteBlobs removes every key, best effort. It returns the keys that could
// not be removed and the combined error.
func deleteBlobs(ctx context.Context, blobs s3.Storage, keys []string) ([]string, error) {
	var (
		failed []string
		group  errs.Group
	)
	for _, key := range keys {
		if err := blobs.DeleteObject(ctx, key); err != nil {
			failed = append(failed, key)
			group.Add(err)
		}
	}
	return failed, group.Err()
}
