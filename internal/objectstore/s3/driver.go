// Package s3 implements objectstore.StorageDriver against Amazon S3 via
// aws-sdk-go. There is no multipart upload: PutContent and Writer each
// upload in one PutObject call, and Writer holds the whole content in
// memory until Commit.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/opencrate/registry/internal/objectstore"
)

const driverName = "s3"

func init() {
	objectstore.Register(driverName, &driverFactory{})
}

type driverFactory struct{}

func (driverFactory) Create(_ context.Context, parameters map[string]interface{}) (objectstore.StorageDriver, error) {
	bucket, _ := parameters["bucket"].(string)
	region, _ := parameters["region"].(string)
	accessKey, _ := parameters["accesskey"].(string)
	secretKey, _ := parameters["secretkey"].(string)
	if bucket == "" || region == "" {
		return nil, fmt.Errorf("s3 driver: bucket and region are required")
	}

	cfg := aws.NewConfig().WithRegion(region)
	if accessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(accessKey, secretKey, ""))
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return &Driver{bucket: bucket, client: s3.New(sess)}, nil
}

// Driver stores content-addressed bytes as S3 objects keyed verbatim by the
// path ObjectStore.KeyFor produces.
type Driver struct {
	bucket string
	client *s3.S3
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) GetContent(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetObjectWithContext(ctx, &s3.GetObjectInput{Bucket: &d.bucket, Key: &key})
	if notFound(err) {
		return nil, objectstore.PathNotFoundError{Path: key}
	}
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (d *Driver) PutContent(ctx context.Context, key string, content []byte) error {
	_, err := d.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: &d.bucket,
		Key:    &key,
		Body:   bytes.NewReader(content),
	})
	return err
}

func (d *Driver) Reader(ctx context.Context, key string, offset int64) (io.ReadCloser, error) {
	rng := fmt.Sprintf("bytes=%d-", offset)
	out, err := d.client.GetObjectWithContext(ctx, &s3.GetObjectInput{Bucket: &d.bucket, Key: &key, Range: &rng})
	if notFound(err) {
		return nil, objectstore.PathNotFoundError{Path: key}
	}
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (d *Driver) Writer(ctx context.Context, key string, doAppend bool) (objectstore.FileWriter, error) {
	if doAppend {
		return nil, objectstore.ErrAppendUnsupported
	}
	return &bufferedWriter{ctx: ctx, driver: d, key: key}, nil
}

func (d *Driver) Stat(ctx context.Context, key string) (objectstore.FileInfo, error) {
	out, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{Bucket: &d.bucket, Key: &key})
	if notFound(err) {
		return objectstore.FileInfo{}, objectstore.PathNotFoundError{Path: key}
	}
	if err != nil {
		return objectstore.FileInfo{}, err
	}
	fi := objectstore.FileInfo{Path: key}
	if out.ContentLength != nil {
		fi.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		fi.ModTime = *out.LastModified
	}
	return fi, nil
}

func (d *Driver) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{Bucket: &d.bucket, Key: &key})
	return err
}

// URLFor returns a presigned GET URL valid for 20 minutes, per the design
// note that content-serving endpoints may redirect to object-store URLs.
func (d *Driver) URLFor(ctx context.Context, key string, _ map[string]interface{}) (string, error) {
	req, _ := d.client.GetObjectRequest(&s3.GetObjectInput{Bucket: &d.bucket, Key: &key})
	return req.Presign(20 * time.Minute)
}

func notFound(err error) bool {
	aerr, ok := err.(awserr.Error)
	return ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound")
}

type bufferedWriter struct {
	ctx       context.Context
	driver    *Driver
	key       string
	buf       bytes.Buffer
	canceled  bool
	committed bool
}

func (w *bufferedWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *bufferedWriter) Size() int64                 { return int64(w.buf.Len()) }

func (w *bufferedWriter) Commit() error {
	w.committed = true
	return w.driver.PutContent(w.ctx, w.key, w.buf.Bytes())
}

func (w *bufferedWriter) Cancel() error {
	w.canceled = true
	w.buf.Reset()
	return nil
}

func (w *bufferedWriter) Close() error {
	if !w.committed && !w.canceled {
		return w.Commit()
	}
	return nil
}
