package blobstore

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCS stores bundles in a Cloud Storage bucket.
type GCS struct {
	bucket *storage.BucketHandle
	name   string
	logger zerolog.Logger

	// CreateOnly makes Put skip objects that already exist instead of
	// overwriting them.
	CreateOnly bool
}

// NewGCS returns a store on bucket.
func NewGCS(client *storage.Client, bucket string, logger zerolog.Logger) *GCS {
	return &GCS{
		bucket: client.Bucket(bucket),
		name:   "gs://" + bucket,
		logger: logger,
	}
}

// Name implements Store.
func (g *GCS) Name() string {
	return g.name
}

// Keys implements Store.
func (g *GCS) Keys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		query := &storage.Query{Prefix: listPrefix(prefix)}
		if err := query.SetAttrSelection([]string{"Name"}); err != nil {
			yield("", &StoreError{Op: "list", Store: g.name, Err: err})
			return
		}

		it := g.bucket.Objects(ctx, query)
		for {
			attrs, err := it.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				yield("", &StoreError{Op: "list", Store: g.name, Err: err})
				return
			}
			if !yield(attrs.Name, nil) {
				return
			}
		}
	}
}

// Get implements Store.
func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		observe("get", 0, err)
		if errors.Is(err, storage.ErrObjectNotExist) {
			err = ErrNotExist
		}
		return nil, &StoreError{Op: "get", Store: g.name, Key: key, Err: err}
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	observe("get", len(data), err)
	if err != nil {
		return nil, &StoreError{Op: "get", Store: g.name, Key: key, Err: err}
	}
	return data, nil
}

// Put implements Store.
func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	obj := g.bucket.Object(key)
	if g.CreateOnly {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return g.putError(key, err)
	}
	if err := w.Close(); err != nil {
		return g.putError(key, err)
	}

	observe("put", len(data), nil)
	return nil
}

func (g *GCS) putError(key string, err error) error {
	if isPreconditionFailed(err) {
		g.logger.Debug().Str("key", key).Msg("Object already exists, skipping write")
		observe("put", 0, nil)
		return nil
	}
	observe("put", 0, err)
	return &StoreError{Op: "put", Store: g.name, Key: key, Err: err}
}

// isPreconditionFailed reports whether err is the 412 returned for a
// create-only write to an existing object.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
