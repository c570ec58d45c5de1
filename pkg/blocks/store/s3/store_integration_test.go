//go:build integration

package s3

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	blockstore "github.com/pnnl-tazer/tazer-go/pkg/blocks/store"
)

// localstackHelper manages a Localstack container standing in for an
// object-store-backed ObjectStoreConfig (cfg.ObjectStore.Enabled=true) in
// the absence of real AWS credentials.
type localstackHelper struct {
	container testcontainers.Container
	endpoint  string
	client    *s3.Client
}

func newLocalstackHelper(t *testing.T) *localstackHelper {
	t.Helper()
	ctx := context.Background()

	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		helper := &localstackHelper{endpoint: endpoint}
		helper.createClient(t)
		return helper
	}

	req := testcontainers.ContainerRequest{
		Image:        "localstack/localstack:3.0",
		ExposedPorts: []string{"4566/tcp"},
		Env: map[string]string{
			"SERVICES":              "s3",
			"DEFAULT_REGION":        "us-east-1",
			"EAGER_SERVICE_LOADING": "1",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4566/tcp"),
			wait.ForHTTP("/_localstack/health").
				WithPort("4566/tcp").
				WithStartupTimeout(60*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start localstack container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4566")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("container port: %v", err)
	}

	helper := &localstackHelper{
		container: container,
		endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
	helper.createClient(t)
	return helper
}

func (lh *localstackHelper) createClient(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("load AWS config: %v", err)
	}

	lh.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = &lh.endpoint
		o.UsePathStyle = true
	})
}

func (lh *localstackHelper) createBucket(t *testing.T, bucket string) {
	t.Helper()
	if _, err := lh.client.CreateBucket(context.Background(), &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	}); err != nil {
		t.Fatalf("create test bucket: %v", err)
	}
}

func (lh *localstackHelper) cleanup() {
	if lh.container != nil {
		_ = lh.container.Terminate(context.Background())
	}
}

// testBlockKey mirrors pkg/source's fileIndex/blockIndex key scheme so
// these tests exercise the same key shapes ObjectOrigin actually writes.
func testBlockKey(fileIndex, blockIndex uint32) string {
	return fmt.Sprintf("%d/%08d", fileIndex, blockIndex)
}

func newTestStore(t *testing.T, helper *localstackHelper) *Store {
	t.Helper()
	bucket := fmt.Sprintf("tazer-test-%d", time.Now().UnixNano())
	helper.createBucket(t, bucket)
	return New(helper.client, Config{Bucket: bucket, KeyPrefix: "blocks/"}, nil)
}

func TestStore_WriteAndReadBlock(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	ctx := context.Background()
	s := newTestStore(t, helper)
	defer s.Close()

	key := testBlockKey(7, 3)
	data := []byte("hello tazer")

	if err := s.WriteBlock(ctx, key, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	read, err := s.ReadBlock(ctx, key)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(read) != string(data) {
		t.Fatalf("ReadBlock = %q, want %q", read, data)
	}
}

func TestStore_ReadBlockNotFound(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	ctx := context.Background()
	s := newTestStore(t, helper)
	defer s.Close()

	if _, err := s.ReadBlock(ctx, "missing"); err != blockstore.ErrBlockNotFound {
		t.Fatalf("ReadBlock error = %v, want %v", err, blockstore.ErrBlockNotFound)
	}
}

func TestStore_ReadBlockRange(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	ctx := context.Background()
	s := newTestStore(t, helper)
	defer s.Close()

	key := testBlockKey(1, 0)
	if err := s.WriteBlock(ctx, key, []byte("hello world")); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	read, err := s.ReadBlockRange(ctx, key, 6, 5)
	if err != nil {
		t.Fatalf("ReadBlockRange: %v", err)
	}
	if string(read) != "world" {
		t.Fatalf("ReadBlockRange = %q, want %q", read, "world")
	}
}

func TestStore_DeleteBlock(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	ctx := context.Background()
	s := newTestStore(t, helper)
	defer s.Close()

	key := testBlockKey(2, 5)
	if err := s.WriteBlock(ctx, key, []byte("gone soon")); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := s.DeleteBlock(ctx, key); err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}
	if _, err := s.ReadBlock(ctx, key); err != blockstore.ErrBlockNotFound {
		t.Fatalf("ReadBlock after delete = %v, want %v", err, blockstore.ErrBlockNotFound)
	}
}

func TestStore_DeleteByPrefixAndListByPrefix(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	ctx := context.Background()
	s := newTestStore(t, helper)
	defer s.Close()

	fileIdx := uint32(9)
	for i := uint32(0); i < 3; i++ {
		key := testBlockKey(fileIdx, i)
		if err := s.WriteBlock(ctx, key, []byte("block")); err != nil {
			t.Fatalf("WriteBlock: %v", err)
		}
	}

	keys, err := s.ListByPrefix(ctx, fmt.Sprintf("%d/", fileIdx))
	if err != nil {
		t.Fatalf("ListByPrefix: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("ListByPrefix returned %d keys, want 3", len(keys))
	}

	if err := s.DeleteByPrefix(ctx, fmt.Sprintf("%d/", fileIdx)); err != nil {
		t.Fatalf("DeleteByPrefix: %v", err)
	}

	keys, err = s.ListByPrefix(ctx, fmt.Sprintf("%d/", fileIdx))
	if err != nil {
		t.Fatalf("ListByPrefix after delete: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("ListByPrefix after delete returned %d keys, want 0", len(keys))
	}
}

func TestStore_HealthCheck(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	s := newTestStore(t, helper)
	defer s.Close()

	if err := s.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
