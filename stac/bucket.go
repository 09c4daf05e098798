package stac

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyHttp "github.com/aws/smithy-go/transport/http"
	"github.com/cespare/xxhash/v2"
	gcblob "gocloud.dev/blob"
	"google.golang.org/api/googleapi"
)

// Bucket is an abstraction over a gocloud or plain HTTP bucket holding
// configuration documents.
type Bucket interface {
	Close() error
	NewReader(ctx context.Context, key string) (io.ReadCloser, error)
	NewReaderEtag(ctx context.Context, key string, etag string) (io.ReadCloser, string, int, error)
}

// NotModifiedError indicates the object still matches the etag the caller
// already has.
type NotModifiedError struct {
	StatusCode int
}

func (m *NotModifiedError) Error() string {
	return fmt.Sprintf("object not modified: %d", m.StatusCode)
}

func isNotModified(err error) bool {
	var nm *NotModifiedError
	return errors.As(err, &nm)
}

type mockBucket struct {
	items map[string][]byte
}

func (m mockBucket) Close() error {
	return nil
}

func (m mockBucket) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	body, _, _, err := m.NewReaderEtag(ctx, key, "")
	return body, err
}

func (m mockBucket) NewReaderEtag(_ context.Context, key string, etag string) (io.ReadCloser, string, int, error) {
	bs, ok := m.items[key]
	if !ok {
		return nil, "", 404, fmt.Errorf("not found %s", key)
	}

	resultEtag := generateEtag(bs)
	if len(etag) > 0 && resultEtag == etag {
		return nil, etag, 304, &NotModifiedError{304}
	}
	return io.NopCloser(bytes.NewReader(bs)), resultEtag, 200, nil
}

// FileBucket is a bucket backed by a directory on disk
type FileBucket struct {
	path string
}

// NewFileBucket initializes a FileBucket and returns a new instance
func NewFileBucket(path string) *FileBucket {
	return &FileBucket{path: path}
}

func (b FileBucket) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	body, _, _, err := b.NewReaderEtag(ctx, key, "")
	return body, err
}

func uintToBytes(n uint64) []byte {
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bs, n)
	return bs
}

func hasherToEtag(hasher *xxhash.Digest) string {
	sum := uintToBytes(hasher.Sum64())
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum))
}

func generateEtag(data []byte) string {
	hasher := xxhash.New()
	hasher.Write(data)
	return hasherToEtag(hasher)
}

func generateEtagFromInts(ns ...int64) string {
	hasher := xxhash.New()
	for _, n := range ns {
		hasher.Write(uintToBytes(uint64(n)))
	}
	return hasherToEtag(hasher)
}

func (b FileBucket) NewReaderEtag(_ context.Context, key string, etag string) (io.ReadCloser, string, int, error) {
	name := filepath.Join(b.path, key)
	file, err := os.Open(name)
	if err != nil {
		return nil, "", 404, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, "", 404, err
	}
	newEtag := generateEtagFromInts(info.ModTime().UnixNano(), info.Size())
	if len(etag) > 0 && etag == newEtag {
		file.Close()
		return nil, etag, 304, &NotModifiedError{304}
	}
	return file, newEtag, 200, nil
}

func (b FileBucket) Close() error {
	return nil
}

// HTTPClient is an interface that lets you swap out the default client with a mock one in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type HTTPBucket struct {
	baseURL string
	client  HTTPClient
}

func (b HTTPBucket) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	body, _, _, err := b.NewReaderEtag(ctx, key, "")
	return body, err
}

func (b HTTPBucket) NewReaderEtag(ctx context.Context, key string, etag string) (io.ReadCloser, string, int, error) {
	reqURL := b.baseURL + "/" + key

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, "", 500, err
	}
	if len(etag) > 0 {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", 502, err
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil, etag, resp.StatusCode, &NotModifiedError{resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", resp.StatusCode, fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	return resp.Body, resp.Header.Get("ETag"), resp.StatusCode, nil
}

func (b HTTPBucket) Close() error {
	return nil
}

type BucketAdapter struct {
	Bucket *gcblob.Bucket
}

func (ba BucketAdapter) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	body, _, _, err := ba.NewReaderEtag(ctx, key, "")
	return body, err
}

func etagToGeneration(etag string) int64 {
	i, _ := strconv.ParseInt(etag, 10, 64)
	return i
}

func generationToEtag(generation int64) string {
	return strconv.FormatInt(generation, 10)
}

func setProviderEtag(asFunc func(interface{}) bool, etag string) {
	var awsV2Req *s3.GetObjectInput
	var azblobReq *azblob.DownloadStreamOptions
	var gcsHandle **storage.ObjectHandle
	if asFunc(&awsV2Req) {
		awsV2Req.IfNoneMatch = aws.String(etag)
	} else if asFunc(&azblobReq) {
		azEtag := azcore.ETag(etag)
		azblobReq.AccessConditions = &azblob.AccessConditions{
			ModifiedAccessConditions: &container.ModifiedAccessConditions{
				IfNoneMatch: &azEtag,
			},
		}
	} else if asFunc(&gcsHandle) {
		*gcsHandle = (*gcsHandle).If(storage.Conditions{
			GenerationNotMatch: etagToGeneration(etag),
		})
	}
}

func getProviderErrorStatusCode(err error) int {
	var awsV2Err *smithyHttp.ResponseError
	var azureErr *azcore.ResponseError
	var gcpErr *googleapi.Error

	if errors.As(err, &awsV2Err); awsV2Err != nil {
		return awsV2Err.HTTPStatusCode()
	} else if errors.As(err, &azureErr); azureErr != nil {
		return azureErr.StatusCode
	} else if errors.As(err, &gcpErr); gcpErr != nil {
		return gcpErr.Code
	}
	return 404
}

func getProviderEtag(reader *gcblob.Reader) string {
	var awsV2Resp s3.GetObjectOutput
	var azureResp azblob.DownloadStreamResponse
	var gcpResp *storage.Reader

	if reader.As(&awsV2Resp) {
		return aws.ToString(awsV2Resp.ETag)
	} else if reader.As(&azureResp) && azureResp.ETag != nil {
		return string(*azureResp.ETag)
	} else if reader.As(&gcpResp) {
		return generationToEtag(gcpResp.Attrs.Generation)
	}

	return ""
}

func (ba BucketAdapter) NewReaderEtag(ctx context.Context, key string, etag string) (io.ReadCloser, string, int, error) {
	reader, err := ba.Bucket.NewReader(ctx, key, &gcblob.ReaderOptions{
		BeforeRead: func(asFunc func(interface{}) bool) error {
			if len(etag) > 0 {
				setProviderEtag(asFunc, etag)
			}
			return nil
		},
	})
	if err != nil {
		status := getProviderErrorStatusCode(err)
		if status == http.StatusNotModified || status == http.StatusPreconditionFailed {
			return nil, etag, http.StatusNotModified, &NotModifiedError{status}
		}
		return nil, "", status, err
	}

	return reader, getProviderEtag(reader), 200, nil
}

func (ba BucketAdapter) Close() error {
	return ba.Bucket.Close()
}

// NormalizeBucketKey splits a config location into a bucket URL and a key.
// An empty bucket means key is a local path or an http(s) URL.
func NormalizeBucketKey(bucket string, key string) (string, string, error) {
	if bucket != "" {
		return bucket, key, nil
	}
	if strings.HasPrefix(key, "http") {
		u, err := url.Parse(key)
		if err != nil {
			return "", "", err
		}
		dir, file := path.Split(u.Path)
		dir = strings.TrimSuffix(dir, "/")
		return u.Scheme + "://" + u.Host + dir, file, nil
	}
	fileprotocol := "file://"
	if string(os.PathSeparator) != "/" {
		fileprotocol += "/"
	}
	abs, err := filepath.Abs(key)
	if err != nil {
		return "", "", err
	}
	return fileprotocol + filepath.ToSlash(filepath.Dir(abs)), filepath.Base(abs), nil
}

func OpenBucket(ctx context.Context, bucketURL string) (Bucket, error) {
	if strings.HasPrefix(bucketURL, "http") {
		bucket := HTTPBucket{bucketURL, http.DefaultClient}
		return bucket, nil
	}
	if strings.HasPrefix(bucketURL, "file") {
		fileprotocol := "file://"
		if string(os.PathSeparator) != "/" {
			fileprotocol += "/"
		}
		path := strings.Replace(bucketURL, fileprotocol, "", 1)
		bucket := NewFileBucket(filepath.FromSlash(path))
		return bucket, nil
	}
	bucket, err := gcblob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return BucketAdapter{bucket}, nil
}
