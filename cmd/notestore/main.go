// Command notestore inspects and manages a notes store
package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/kjk/notestore/log"
	"github.com/kjk/notestore/u"
)

type Globals struct {
	Dir     string `short:"d" default:"." env:"NOTESTORE_DIR" type:"path" help:"Store directory"`
	LogDir  string `env:"NOTESTORE_LOG_DIR" type:"path" help:"Directory for log files, logs only to stdout if not set"`
	Verbose bool   `short:"v" env:"NOTESTORE_VERBOSE" help:"Verbose logging"`
}

type S3Config struct {
	Endpoint  string `env:"NOTESTORE_S3_ENDPOINT" help:"S3 endpoint e.g. s3.amazonaws.com"`
	Bucket    string `env:"NOTESTORE_S3_BUCKET" help:"S3 bucket"`
	Region    string `env:"NOTESTORE_S3_REGION" help:"S3 region"`
	Access    string `env:"NOTESTORE_S3_ACCESS" help:"S3 access key"`
	Secret    string `env:"NOTESTORE_S3_SECRET" help:"S3 secret key"`
	Insecure  bool   `env:"NOTESTORE_S3_INSECURE" help:"Use http instead of https"`
	RemoteDir string `default:"notestore" help:"Remote directory for snapshot"`
}

type CLI struct {
	Globals `embed:""`

	Encode  EncodeCmd  `cmd:"" help:"Serialize key value pairs as a line"`
	Decode  DecodeCmd  `cmd:"" help:"Parse a line of key value pairs"`
	Dump    DumpCmd    `cmd:"" help:"Dump records in the store"`
	Append  AppendCmd  `cmd:"" help:"Append a record to the store"`
	Notes   NotesCmd   `cmd:"" help:"Notes operations"`
	Compact CompactCmd `cmd:"" help:"Remove overwritten records and reserved space"`
	Export  ExportCmd  `cmd:"" help:"Export store as .zip bundle"`
	Import  ImportCmd  `cmd:"" help:"Create store from .zip bundle"`
	Verify  VerifyCmd  `cmd:"" help:"Check index and metadata of every record"`
	Backup  BackupCmd  `cmd:"" help:"Upload store snapshot to S3"`
	Restore RestoreCmd `cmd:"" help:"Restore store from S3 snapshot"`
	Upload  UploadCmd  `cmd:"" help:"Upload store to notestore server"`
	Serve   ServeCmd   `cmd:"" help:"Start HTTP server"`
}

func (g *Globals) initLog() {
	log.Verbose = g.Verbose
	if g.LogDir != "" {
		log.Init(&log.Config{Dir: g.LogDir})
	}
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	opts := []kong.Option{
		kong.Name("notestore"),
		kong.Description("Manage append-only notes store"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	}
	opts = append(opts, options...)
	return kong.New(cli, opts...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	u.Must(err)
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	cli.initLog()
	err = ctx.Run(&cli.Globals)
	log.Close()
	ctx.FatalIfErrorf(err)
}
