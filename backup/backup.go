// Package backup uploads snapshots of a store to s3-compatible storage
// and restores them.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kjk/notestore/appendstore"
	"github.com/kjk/notestore/atomicfile"
	"github.com/kjk/notestore/log"
	"github.com/kjk/notestore/u"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// name of the snapshot object in remote directory, without compression extension
const snapshotName = "store.zip"

type Config struct {
	Access   string
	Secret   string
	Bucket   string
	Endpoint string
	Region   string
	// use http instead of https e.g. for local minio server
	Insecure bool
	// snapshots are compressed with this, brotli if not set
	Compression  u.Compression
	RequestTrace io.Writer
}

type Client struct {
	Client *minio.Client
	config *Config
	Bucket string
}

func New(ctx context.Context, config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("must provide config")
	}
	c := config
	if c.Access == "" || c.Secret == "" || c.Bucket == "" || c.Endpoint == "" {
		return nil, errors.New("must provide all fields in config")
	}

	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Access, c.Secret, ""),
		Region: c.Region,
		Secure: !c.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if c.RequestTrace != nil {
		mc.TraceOn(c.RequestTrace)
	}
	found, err := mc.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bucket '%s' doesn't exist", c.Bucket)
	}

	return &Client{
		Client: mc,
		config: config,
		Bucket: c.Bucket,
	}, nil
}

func (c *Client) compression() u.Compression {
	return compressionOrDefault(c.config.Compression)
}

func compressionOrDefault(comp u.Compression) u.Compression {
	if comp == u.CompressNone {
		return u.CompressBrotli
	}
	return comp
}

// SnapshotPath returns remote path of store snapshot in remoteDir
func SnapshotPath(remoteDir string, comp u.Compression) string {
	name := snapshotName + compressionOrDefault(comp).Ext()
	return path.Join(strings.Trim(remoteDir, "/"), name)
}

// Snapshot returns a compressed zip bundle of the store
func Snapshot(s *appendstore.Store, comp u.Compression) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.ExportZip(&buf); err != nil {
		return nil, err
	}
	return u.CompressData(buf.Bytes(), compressionOrDefault(comp))
}

// RestoreSnapshot imports compressed zip bundle created with Snapshot into dir
func RestoreSnapshot(dir string, d []byte, comp u.Compression) error {
	zipData, err := u.DecompressData(d, compressionOrDefault(comp))
	if err != nil {
		return fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	return appendstore.ImportZip(dir, zipData)
}

func (c *Client) Exists(ctx context.Context, remotePath string) bool {
	_, err := c.Client.StatObject(ctx, c.Bucket, remotePath, minio.StatObjectOptions{})
	return err == nil
}

// UploadStore uploads a snapshot of the store to remoteDir
func (c *Client) UploadStore(ctx context.Context, s *appendstore.Store, remoteDir string) (minio.UploadInfo, error) {
	comp := c.compression()
	d, err := Snapshot(s, comp)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	remotePath := SnapshotPath(remoteDir, comp)
	opts := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}
	info, err := c.Client.PutObject(ctx, c.Bucket, remotePath, bytes.NewReader(d), int64(len(d)), opts)
	if err != nil {
		return info, fmt.Errorf("upload of '%s' failed with '%w'", remotePath, err)
	}
	log.Logf("backup: uploaded '%s', %s\n", remotePath, u.FormatSize(int64(len(d))))
	return info, nil
}

// DownloadFileAtomically downloads remotePath to dstPath.
// dstPath is only created if the download succeeds.
func (c *Client) DownloadFileAtomically(ctx context.Context, dstPath string, remotePath string) error {
	obj, err := c.Client.GetObject(ctx, c.Bucket, remotePath, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer u.CloseNoError(obj)

	// ensure there's a dir for destination file
	err = os.MkdirAll(filepath.Dir(dstPath), 0755)
	if err != nil {
		return err
	}
	_, err = atomicfile.CopyFrom(dstPath, obj)
	return err
}

// RestoreStore downloads snapshot uploaded with UploadStore from remoteDir
// and imports it into dir, which must not contain a store
func (c *Client) RestoreStore(ctx context.Context, remoteDir string, dir string) error {
	comp := c.compression()
	remotePath := SnapshotPath(remoteDir, comp)
	tmpDir, err := os.MkdirTemp("", "notestore-restore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, path.Base(remotePath))
	if err = c.DownloadFileAtomically(ctx, tmpPath, remotePath); err != nil {
		return fmt.Errorf("download of '%s' failed with '%w'", remotePath, err)
	}
	d, err := os.ReadFile(tmpPath)
	if err != nil {
		return err
	}
	if err = RestoreSnapshot(dir, d, comp); err != nil {
		return err
	}
	log.Logf("backup: restored '%s' into '%s'\n", remotePath, dir)
	return nil
}

// List returns objects with a given prefix, sorted by key
func (c *Client) List(ctx context.Context, prefix string) ([]minio.ObjectInfo, error) {
	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}
	var res []minio.ObjectInfo
	for oi := range c.Client.ListObjects(ctx, c.Bucket, opts) {
		if oi.Err != nil {
			return nil, oi.Err
		}
		res = append(res, oi)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Key < res[j].Key
	})
	return res, nil
}

func (c *Client) Remove(ctx context.Context, remotePath string) error {
	return c.Client.RemoveObject(ctx, c.Bucket, remotePath, minio.RemoveObjectOptions{})
}
