package awsutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Factory builds AWS clients per shared-config profile, caching the
// resolved credentials so each environment loads its profile once.
type Factory struct {
	mu      sync.Mutex
	configs map[string]aws.Config
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{configs: map[string]aws.Config{}}
}

func (f *Factory) awsConfig(ctx context.Context, profile string) (aws.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg, ok := f.configs[profile]; ok {
		return cfg, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS profile %q: %w", profile, err)
	}
	f.configs[profile] = cfg
	return cfg, nil
}

// DynamoDB returns a DynamoDB client for the profile.
func (f *Factory) DynamoDB(ctx context.Context, profile string) (*dynamodb.Client, error) {
	cfg, err := f.awsConfig(ctx, profile)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// S3Pool returns a bounded pool of S3 clients for the profile. Upload
// bodies are streamed and cannot be replayed, so cross-region redirect
// behavior stays off.
func (f *Factory) S3Pool(size int, profile string) *Pool[*s3.Client] {
	return NewPool(size, func(ctx context.Context) (*s3.Client, error) {
		cfg, err := f.awsConfig(ctx, profile)
		if err != nil {
			return nil, err
		}
		return s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.DisableMultiRegionAccessPoints = true
		}), nil
	})
}
