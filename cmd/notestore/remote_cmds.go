package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/carlmjohnson/requests"
	"github.com/kjk/notestore/backup"
	"github.com/kjk/notestore/log"
	"github.com/kjk/notestore/notes"
	"github.com/kjk/notestore/server"
	"github.com/kjk/notestore/u"
)

func (c *S3Config) toConfig(compress string) (*backup.Config, error) {
	comp, err := u.ParseCompression(compress)
	if err != nil {
		return nil, err
	}
	return &backup.Config{
		Endpoint:    c.Endpoint,
		Bucket:      c.Bucket,
		Region:      c.Region,
		Access:      c.Access,
		Secret:      c.Secret,
		Insecure:    c.Insecure,
		Compression: comp,
	}, nil
}

type BackupCmd struct {
	S3       S3Config `embed:"" prefix:"s3-"`
	Compress string   `enum:"br,zstd,xz,gz" default:"br" help:"Compression of the snapshot"`
}

func (c *BackupCmd) Run(g *Globals, ctx *kong.Context) error {
	cfg, err := c.S3.toConfig(c.Compress)
	if err != nil {
		return err
	}
	timeStart := time.Now()
	bc, err := backup.New(context.Background(), cfg)
	if err != nil {
		return err
	}
	s, err := openStore(g)
	if err != nil {
		return err
	}
	defer s.CloseFiles()
	info, err := bc.UploadStore(context.Background(), s, c.S3.RemoteDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "uploaded %d records as '%s' (%s) in %s\n", len(s.Records()), info.Key, u.FormatSize(info.Size), u.FormatDuration(time.Since(timeStart)))
	return nil
}

type RestoreCmd struct {
	S3       S3Config `embed:"" prefix:"s3-"`
	Compress string   `enum:"br,zstd,xz,gz" default:"br" help:"Compression of the snapshot"`
	List     bool     `help:"Only list objects in remote directory"`
}

func (c *RestoreCmd) Run(g *Globals, ctx *kong.Context) error {
	cfg, err := c.S3.toConfig(c.Compress)
	if err != nil {
		return err
	}
	bc, err := backup.New(context.Background(), cfg)
	if err != nil {
		return err
	}
	if c.List {
		objects, err := bc.List(context.Background(), strings.Trim(c.S3.RemoteDir, "/")+"/")
		if err != nil {
			return err
		}
		for _, oi := range objects {
			fmt.Fprintf(ctx.Stdout, "%s %s %s\n", oi.Key, u.FormatSize(oi.Size), oi.LastModified.Format(time.DateTime))
		}
		return nil
	}
	return bc.RestoreStore(context.Background(), c.S3.RemoteDir, g.Dir)
}

type UploadCmd struct {
	URL     string        `required:"" env:"NOTESTORE_SERVER_URL" help:"Server url e.g. http://localhost:8080"`
	Timeout time.Duration `default:"2m" help:"Upload timeout"`
}

func (c *UploadCmd) Run(g *Globals, ctx *kong.Context) error {
	s, err := openStore(g)
	if err != nil {
		return err
	}
	defer s.CloseFiles()
	var buf bytes.Buffer
	if err = s.ExportZip(&buf); err != nil {
		return err
	}
	uri := strings.TrimSuffix(c.URL, "/") + "/api/store/bulkUpload"
	var rsp server.BulkUploadResponse
	reqCtx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	err = requests.
		URL(uri).
		BodyBytes(buf.Bytes()).
		ContentType("application/zip").
		ToJSON(&rsp).
		Fetch(reqCtx)
	if err != nil {
		return fmt.Errorf("upload to '%s' failed with '%w'", uri, err)
	}
	fmt.Fprintf(ctx.Stdout, "uploaded %d records (%s) as '%s'\n", rsp.Records, u.FormatSize(int64(buf.Len())), rsp.Dir)
	return nil
}

type ServeCmd struct {
	Addr      string `default:"localhost:8080" env:"NOTESTORE_ADDR" help:"Address to listen on"`
	UploadDir string `env:"NOTESTORE_UPLOAD_DIR" type:"path" help:"Directory for uploaded stores, <dir>/uploads if not set"`
}

func (c *ServeCmd) Run(g *Globals) error {
	n, err := notes.Open(g.Dir, nil)
	if err != nil {
		return err
	}
	defer n.Close()
	uploadDir := c.UploadDir
	if uploadDir == "" {
		uploadDir = filepath.Join(g.Dir, "uploads")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv := server.New(n, uploadDir)
	err = srv.Run(ctx, c.Addr)
	log.Logf("server stopped\n")
	return err
}
