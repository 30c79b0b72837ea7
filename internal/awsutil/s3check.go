package awsutil

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectChecker answers object-existence queries against one bucket
// using pooled clients.
type ObjectChecker struct {
	pool   *Pool[*s3.Client]
	bucket string
}

// NewObjectChecker builds a checker over the given client pool.
func NewObjectChecker(pool *Pool[*s3.Client], bucket string) *ObjectChecker {
	return &ObjectChecker{pool: pool, bucket: bucket}
}

// Exists reports whether the bucket holds an object under key.
func (c *ObjectChecker) Exists(ctx context.Context, key string) (bool, error) {
	found := false
	err := c.pool.With(ctx, func(client *s3.Client) error {
		_, err := client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}
