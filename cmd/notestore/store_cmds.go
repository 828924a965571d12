package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/kjk/notestore/appendstore"
	"github.com/kjk/notestore/server"
	"github.com/kjk/notestore/u"
	"github.com/tidwall/pretty"
	"github.com/toon-format/toon-go"
)

func openStore(g *Globals) (*appendstore.Store, error) {
	s := &appendstore.Store{
		DataDir: g.Dir,
	}
	if err := appendstore.OpenStore(s); err != nil {
		return nil, err
	}
	return s, nil
}

type EncodeCmd struct {
	KeyValues []string `arg:"" help:"key value pairs: key1 value1 key2 value2..."`
}

func (c *EncodeCmd) Run(ctx *kong.Context) error {
	s, err := appendstore.KeyValueMarshal(c.KeyValues...)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.Stdout, s)
	return nil
}

type DecodeCmd struct {
	Line string `arg:"" help:"line to decode"`
	JSON bool   `name:"json" help:"Print as json object"`
}

func (c *DecodeCmd) Run(ctx *kong.Context) error {
	kv, err := appendstore.KeyValueUnmarshal(c.Line)
	if err != nil {
		return err
	}
	if c.JSON {
		var pairs [][2]string
		for i := 0; i < len(kv); i += 2 {
			pairs = append(pairs, [2]string{kv[i], kv[i+1]})
		}
		d, err := json.Marshal(pairs)
		if err != nil {
			return err
		}
		ctx.Stdout.Write(pretty.Pretty(d))
		return nil
	}
	for i := 0; i < len(kv); i += 2 {
		fmt.Fprintf(ctx.Stdout, "%s: %q\n", kv[i], kv[i+1])
	}
	return nil
}

type DumpCmd struct {
	Format string `enum:"text,json,toon" default:"text" help:"Output format: text, json or toon"`
	Live   bool   `help:"Skip overwritten records"`
}

func recordToMap(rec *appendstore.Record) map[string]any {
	m := map[string]any{
		"kind": rec.Kind,
		"ts":   rec.TimestampMs,
		"size": rec.Size(),
	}
	if rec.IsFile() {
		m["file"] = rec.FileName()
	} else {
		m["meta"] = rec.Meta()
	}
	if rec.Overwritten() {
		m["overwritten"] = true
	}
	return m
}

func (c *DumpCmd) Run(g *Globals, ctx *kong.Context) error {
	s, err := openStore(g)
	if err != nil {
		return err
	}
	defer s.CloseFiles()
	recs := s.Records()
	if c.Live {
		recs = s.LiveRecords()
	}
	switch c.Format {
	case "json":
		var a []map[string]any
		for _, rec := range recs {
			a = append(a, recordToMap(rec))
		}
		d, err := json.Marshal(a)
		if err != nil {
			return err
		}
		ctx.Stdout.Write(pretty.Pretty(d))
	case "toon":
		var a []any
		for _, rec := range recs {
			a = append(a, recordToMap(rec))
		}
		d, err := toon.Marshal(map[string]any{"records": a})
		if err != nil {
			return err
		}
		fmt.Fprintln(ctx.Stdout, string(d))
	default:
		for _, rec := range recs {
			line, err := server.RecordLine(rec)
			if err != nil {
				return err
			}
			fmt.Fprintln(ctx.Stdout, line)
		}
	}
	return nil
}

type AppendCmd struct {
	Kind      string   `required:"" help:"Record kind"`
	Data      string   `help:"Record data"`
	DataFile  string   `type:"existingfile" help:"Read record data from a file"`
	Inline    bool     `help:"Store data inline in the index"`
	KeyValues []string `arg:"" optional:"" help:"metadata key value pairs: key1 value1 key2 value2..."`
}

func (c *AppendCmd) Run(g *Globals) error {
	data := []byte(c.Data)
	if c.DataFile != "" {
		var err error
		data, err = u.ReadFileMaybeCompressed(c.DataFile)
		if err != nil {
			return err
		}
	}
	s, err := openStore(g)
	if err != nil {
		return err
	}
	defer s.CloseFiles()
	if c.Inline {
		return s.AppendKVInline(c.Kind, data, c.KeyValues...)
	}
	return s.AppendKV(c.Kind, data, c.KeyValues...)
}

type CompactCmd struct {
	Backup bool `help:"Save copies of index and data files with .bak extension before compacting"`
}

func (c *CompactCmd) Run(g *Globals, ctx *kong.Context) error {
	s, err := openStore(g)
	if err != nil {
		return err
	}
	defer s.CloseFiles()
	if c.Backup {
		for _, path := range []string{s.IndexFilePath(), s.DataFilePath()} {
			if !u.FileExists(path) {
				continue
			}
			if err = u.CopyFile(path+".bak", path); err != nil {
				return err
			}
		}
	}
	sizeBefore := u.FileSize(s.DataFilePath()) + u.FileSize(s.IndexFilePath())
	nBefore := len(s.Records())
	if err = s.Compact(); err != nil {
		return err
	}
	sizeAfter := u.FileSize(s.DataFilePath()) + u.FileSize(s.IndexFilePath())
	fmt.Fprintf(ctx.Stdout, "records: %d => %d, size: %s => %s (%.2f%%)\n", nBefore, len(s.Records()), u.FormatSize(sizeBefore), u.FormatSize(sizeAfter), u.Percent(sizeBefore, sizeAfter))
	return nil
}

type ExportCmd struct {
	Path     string `arg:"" type:"path" help:"Path of .zip file to create"`
	Compress string `enum:"none,br,zstd,xz,gz" default:"none" help:"Compress .zip file: none, br, zstd, xz or gz"`
}

func exportPath(path string, comp u.Compression) string {
	if comp == u.CompressNone || u.CompressionFromPath(path) == comp {
		return path
	}
	return path + comp.Ext()
}

func (c *ExportCmd) Run(g *Globals, ctx *kong.Context) error {
	comp, err := u.ParseCompression(c.Compress)
	if err != nil {
		return err
	}
	s, err := openStore(g)
	if err != nil {
		return err
	}
	defer s.CloseFiles()
	var buf bytes.Buffer
	if err = s.ExportZip(&buf); err != nil {
		return err
	}
	path := exportPath(c.Path, comp)
	size := buf.Len()
	if err = u.WriteFileCompressed(path, &buf); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "exported %d records to '%s', %s => %s\n", len(s.Records()), path, u.FormatSize(int64(size)), u.FormatSize(u.FileSize(path)))
	return nil
}

type ImportCmd struct {
	Path string `arg:"" type:"existingfile" help:"Path of .zip file, optionally compressed"`
}

func (c *ImportCmd) Run(g *Globals, ctx *kong.Context) error {
	zipData, err := u.ReadFileMaybeCompressed(c.Path)
	if err != nil {
		return err
	}
	if err = appendstore.ImportZip(g.Dir, zipData); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "imported '%s' into '%s'\n", c.Path, g.Dir)
	return nil
}

type VerifyCmd struct{}

func (c *VerifyCmd) Run(g *Globals, ctx *kong.Context) error {
	var problems []string
	s := &appendstore.Store{
		DataDir:     g.Dir,
		SkipCorrupt: true,
		OnCorrupt: func(lineNo int, line string, err error) {
			problems = append(problems, fmt.Sprintf("index line %d: %s", lineNo, err))
		},
	}
	if err := appendstore.OpenStore(s); err != nil {
		return err
	}
	defer s.CloseFiles()
	recs := s.Records()
	for i, rec := range recs {
		if rec.IsFile() {
			if !u.FileExists(filepath.Join(s.DataDir, rec.FileName())) {
				problems = append(problems, fmt.Sprintf("record %d: missing file '%s'", i, rec.FileName()))
			}
			continue
		}
		if _, err := rec.MetaKV(); err != nil {
			problems = append(problems, fmt.Sprintf("record %d of kind '%s': %s", i, rec.Kind, err))
		}
	}
	for _, p := range problems {
		fmt.Fprintln(ctx.Stdout, p)
	}
	if len(problems) > 0 {
		return fmt.Errorf("found %d problems in %d records", len(problems), len(recs))
	}
	hash, err := u.FileBlake3Hex(s.DataFilePath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "ok: %d records, data blake3: %s\n", len(recs), hash)
	return nil
}
