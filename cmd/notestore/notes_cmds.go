package main

import (
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/kjk/notestore/notes"
	"github.com/kjk/notestore/u"
)

type NotesCmd struct {
	Strict bool `help:"Fail on records with invalid metadata instead of skipping them"`

	List   NotesListCmd   `cmd:"" help:"List notes"`
	Create NotesCreateCmd `cmd:"" help:"Create a note"`
	Show   NotesShowCmd   `cmd:"" help:"Show a note and its content"`
	Save   NotesSaveCmd   `cmd:"" help:"Save new version of note content"`
	Delete NotesDeleteCmd `cmd:"" help:"Delete a note"`
}

func openNotes(g *Globals, nc *NotesCmd) (*notes.Notes, error) {
	return notes.Open(g.Dir, &notes.Options{Strict: nc.Strict})
}

type NotesListCmd struct {
	Archived bool `help:"Include archived notes"`
}

func (c *NotesListCmd) Run(g *Globals, nc *NotesCmd, ctx *kong.Context) error {
	n, err := openNotes(g, nc)
	if err != nil {
		return err
	}
	defer n.Close()
	for _, note := range n.List() {
		if note.IsArchived && !c.Archived {
			continue
		}
		star := " "
		if note.IsStarred {
			star = "*"
		}
		fmt.Fprintf(ctx.Stdout, "%s %s %s %q versions: %d\n", note.ID, star, u.FormatTimeMs(note.ModifiedAt), note.Name, len(note.Versions))
	}
	return nil
}

type NotesCreateCmd struct {
	Name    string `arg:"" help:"Name of the note"`
	Content string `type:"existingfile" help:"File with initial content"`
}

func (c *NotesCreateCmd) Run(g *Globals, nc *NotesCmd, ctx *kong.Context) error {
	n, err := openNotes(g, nc)
	if err != nil {
		return err
	}
	defer n.Close()
	note, err := n.Create(c.Name)
	if err != nil {
		return err
	}
	if c.Content != "" {
		d, err := u.ReadFileMaybeCompressed(c.Content)
		if err != nil {
			return err
		}
		if _, err = n.SaveContent(note.ID, d); err != nil {
			return err
		}
	}
	fmt.Fprintln(ctx.Stdout, note.ID)
	return nil
}

type NotesShowCmd struct {
	ID      string `arg:"" help:"Id of the note"`
	Version string `help:"Version of content to show, latest if not given"`
}

func (c *NotesShowCmd) Run(g *Globals, nc *NotesCmd, ctx *kong.Context) error {
	n, err := openNotes(g, nc)
	if err != nil {
		return err
	}
	defer n.Close()
	note, err := n.Get(c.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "id:       %s\n", note.ID)
	fmt.Fprintf(ctx.Stdout, "name:     %s\n", note.Name)
	fmt.Fprintf(ctx.Stdout, "created:  %s\n", u.FormatTimeMs(note.CreatedAt))
	fmt.Fprintf(ctx.Stdout, "modified: %s\n", u.FormatTimeMs(note.ModifiedAt))
	fmt.Fprintf(ctx.Stdout, "starred:  %v\n", note.IsStarred)
	fmt.Fprintf(ctx.Stdout, "archived: %v\n", note.IsArchived)
	if note.AltShortcut != "" {
		fmt.Fprintf(ctx.Stdout, "shortcut: %s\n", note.AltShortcut)
	}
	for _, v := range note.Versions {
		fmt.Fprintf(ctx.Stdout, "version %s: %s %s\n", v.ID, u.FormatSize(v.Size), u.FormatTimeMs(v.TimestampMs))
	}
	var d []byte
	if c.Version != "" {
		d, err = n.ContentVersion(c.ID, c.Version)
	} else {
		d, err = n.Content(c.ID)
	}
	if err != nil {
		return err
	}
	if d != nil {
		fmt.Fprintf(ctx.Stdout, "\n%s\n", d)
	}
	return nil
}

type NotesSaveCmd struct {
	ID   string `arg:"" help:"Id of the note"`
	Path string `arg:"" type:"existingfile" help:"File with content"`
}

func (c *NotesSaveCmd) Run(g *Globals, nc *NotesCmd, ctx *kong.Context) error {
	d, err := u.ReadFileMaybeCompressed(c.Path)
	if err != nil {
		return err
	}
	n, err := openNotes(g, nc)
	if err != nil {
		return err
	}
	defer n.Close()
	v, err := n.SaveContent(c.ID, d)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "saved version %s of note %s, %s\n", v.ID, c.ID, u.FormatSize(v.Size))
	return nil
}

type NotesDeleteCmd struct {
	ID string `arg:"" help:"Id of the note"`
}

func (c *NotesDeleteCmd) Run(g *Globals, nc *NotesCmd) error {
	n, err := openNotes(g, nc)
	if err != nil {
		return err
	}
	defer n.Close()
	return n.Delete(c.ID)
}
