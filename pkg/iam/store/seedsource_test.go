package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/permengine/pkg/iam"
)

const testSeedDoc = `
actions: [read]
modules:
  - key: orders
    submodules:
      - key: orders:pos
        features:
          - key: orders:pos:tickets
roles:
  - key: waiter
    grants:
      - feature: orders:pos:tickets
        actions: [read]
`

type mockS3 struct {
	objects map[string]string
	calls   []string
}

func (m *mockS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Bucket) + "/" + aws.ToString(params.Key)
	m.calls = append(m.calls, key)
	body, ok := m.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func TestSeedLoader_S3(t *testing.T) {
	client := &mockS3{objects: map[string]string{"config/seeds/prod.yaml": testSeedDoc}}
	loader := NewSeedLoader(client)

	seed, err := loader.Load(context.Background(), "s3://config/seeds/prod.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, seed.Actions)
	assert.Equal(t, []string{"config/seeds/prod.yaml"}, client.calls)

	_, err = loader.Load(context.Background(), "s3://config/missing.yaml")
	assert.Error(t, err)
}

func TestSeedLoader_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSeedDoc), 0o600))

	seed, err := NewSeedLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, seed.Roles, 1)
	assert.Equal(t, "waiter", seed.Roles[0].Key)
}

func TestSeedLoader_InvalidLocations(t *testing.T) {
	loader := NewSeedLoader(nil)

	_, err := loader.Load(context.Background(), "s3://bucket-only")
	assert.ErrorIs(t, err, iam.ErrInvalidArgument)

	_, err = loader.Load(context.Background(), "s3://bucket/key.yaml")
	assert.ErrorIs(t, err, iam.ErrInvalidArgument)

	_, err = loader.Load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
