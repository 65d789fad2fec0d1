//go:build !linux

package fuse

import (
	"context"
	"fmt"

	"github.com/jacktea/gcsfs/pkg/gcs"
)

// Mount is not available outside Linux; it always returns an error.
func Mount(ctx context.Context, filesystem *gcs.Filesystem, bucket, mountpoint string) error {
	return fmt.Errorf("fuse mount not supported in this build")
}
