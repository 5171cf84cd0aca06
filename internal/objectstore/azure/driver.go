// Package azure implements objectstore.StorageDriver against Microsoft
// Azure Blob Storage via the azure-sdk-for-go azblob client, with
// shared-key auth.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/opencrate/registry/internal/objectstore"
)

const driverName = "azure"

func init() {
	objectstore.Register(driverName, &driverFactory{})
}

type driverFactory struct{}

func (driverFactory) Create(_ context.Context, parameters map[string]interface{}) (objectstore.StorageDriver, error) {
	accountName, _ := parameters["accountname"].(string)
	accountKey, _ := parameters["accountkey"].(string)
	containerName, _ := parameters["container"].(string)
	if accountName == "" || containerName == "" {
		return nil, fmt.Errorf("azure driver: accountname and container are required")
	}

	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, err
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, err
	}

	return &Driver{client: client, container: containerName, cred: cred}, nil
}

// Driver stores content-addressed bytes as block blobs.
type Driver struct {
	client    *azblob.Client
	container string
	cred      *azblob.SharedKeyCredential
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) GetContent(ctx context.Context, key string) ([]byte, error) {
	resp, err := d.client.DownloadStream(ctx, d.container, key, nil)
	if isNotFound(err) {
		return nil, objectstore.PathNotFoundError{Path: key}
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (d *Driver) PutContent(ctx context.Context, key string, content []byte) error {
	_, err := d.client.UploadBuffer(ctx, d.container, key, content, nil)
	return err
}

func (d *Driver) Reader(ctx context.Context, key string, offset int64) (io.ReadCloser, error) {
	resp, err := d.client.DownloadStream(ctx, d.container, key, &azblob.DownloadStreamOptions{
		Range: blob.HTTPRange{Offset: offset},
	})
	if isNotFound(err) {
		return nil, objectstore.PathNotFoundError{Path: key}
	}
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (d *Driver) Writer(ctx context.Context, key string, doAppend bool) (objectstore.FileWriter, error) {
	if doAppend {
		return nil, objectstore.ErrAppendUnsupported
	}
	return &bufferedWriter{ctx: ctx, driver: d, key: key}, nil
}

func (d *Driver) Stat(ctx context.Context, key string) (objectstore.FileInfo, error) {
	props, err := d.client.ServiceClient().NewContainerClient(d.container).NewBlobClient(key).GetProperties(ctx, nil)
	if isNotFound(err) {
		return objectstore.FileInfo{}, objectstore.PathNotFoundError{Path: key}
	}
	if err != nil {
		return objectstore.FileInfo{}, err
	}
	fi := objectstore.FileInfo{Path: key}
	if props.ContentLength != nil {
		fi.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		fi.ModTime = *props.LastModified
	}
	return fi, nil
}

func (d *Driver) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteBlob(ctx, d.container, key, nil)
	return err
}

// URLFor returns a SAS-signed GET URL valid for 20 minutes.
func (d *Driver) URLFor(ctx context.Context, key string, _ map[string]interface{}) (string, error) {
	blobClient := d.client.ServiceClient().NewContainerClient(d.container).NewBlobClient(key)
	return blobClient.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().Add(20*time.Minute), nil)
}

func isNotFound(err error) bool {
	return err != nil && containsAny(err.Error(), "BlobNotFound", "404")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
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
