// Package server serves notes store over HTTP
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kjk/notestore/appendstore"
	"github.com/kjk/notestore/log"
	"github.com/kjk/notestore/notes"
	"github.com/tidwall/pretty"
)

// max size of POST /api/store/bulkUpload body
const maxUploadSize = 256 * 1024 * 1024

type GetNotesResponse struct {
	Ver          string
	LastChangeID int
	NotesCompact [][]any
}

type BulkUploadResponse struct {
	Dir     string
	Records int
}

type Server struct {
	Notes *notes.Notes
	// stores uploaded with bulkUpload are imported to a new directory in UploadDir
	UploadDir string
}

func New(n *notes.Notes, uploadDir string) *Server {
	return &Server{
		Notes:     n,
		UploadDir: uploadDir,
	}
}

type capturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

func (w *capturingResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *capturingResponseWriter) Write(d []byte) (int, error) {
	w.size += int64(len(d))
	return w.ResponseWriter.Write(d)
}

func withLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeStart := time.Now()
		cw := &capturingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		h.ServeHTTP(cw, r)
		dur := time.Since(timeStart)
		log.IfErrf(log.HTTPRequest(r, cw.statusCode, cw.size, dur))
		log.Verbosef("%s %s %d %s\n", r.Method, r.URL.Path, cw.statusCode, dur)
	})
}

// Handler returns http.Handler for all urls
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/store/getNotes", s.handleGetNotes)
	mux.HandleFunc("POST /api/store/bulkUpload", s.handleBulkUpload)
	mux.HandleFunc("GET /api/store/records", s.handleRecords)
	mux.HandleFunc("GET /api/le", log.HandleEvent)
	mux.HandleFunc("POST /api/lejson", log.HandleEventJSON)
	return withLogging(mux)
}

func serveJSON(w http.ResponseWriter, r *http.Request, v any) {
	d, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("pretty") != "" {
		d = pretty.Pretty(d)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(d)
}

// GET /api/store/getNotes?lastChangeID=<n>
func (s *Server) handleGetNotes(w http.ResponseWriter, r *http.Request) {
	lastChangeIDReq := 0
	if v := r.URL.Query().Get("lastChangeID"); v != "" {
		var err error
		lastChangeIDReq, err = strconv.Atoi(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid lastChangeID: %s", v), http.StatusBadRequest)
			return
		}
	}
	rsp := &GetNotesResponse{
		Ver:          "1",
		LastChangeID: s.Notes.LastChangeID(),
	}
	if lastChangeIDReq >= rsp.LastChangeID {
		// no changes since last request
		w.WriteHeader(http.StatusNotModified)
		return
	}
	all := s.Notes.List()
	rsp.NotesCompact = make([][]any, len(all))
	for i, note := range all {
		rsp.NotesCompact[i] = note.Compact()
	}
	serveJSON(w, r, rsp)
}

// GET /api/store/records
// one line per record, serialized with appendstore.KeyValueMarshal
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	recs := s.Notes.Store().Records()
	var sb strings.Builder
	for _, rec := range recs {
		line, err := RecordLine(rec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(sb.String()))
}

// RecordLine describes a record as a single line
func RecordLine(rec *appendstore.Record) (string, error) {
	kv := []string{
		"kind", rec.Kind,
		"ts", strconv.FormatInt(rec.TimestampMs, 10),
		"size", strconv.FormatInt(rec.Size(), 10),
	}
	if rec.IsFile() {
		kv = append(kv, "file", rec.FileName())
	} else {
		kv = append(kv, "meta", rec.Meta())
	}
	if rec.Overwritten() {
		kv = append(kv, "overwritten", "1")
	}
	return appendstore.KeyValueMarshal(kv...)
}

// POST /api/store/bulkUpload
// body is .zip with index.txt and data.bin
func (s *Server) handleBulkUpload(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxUploadSize)
	zipData, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read body: %s", err), http.StatusBadRequest)
		return
	}
	recs, err := appendstore.ValidateZip(zipData)
	if err != nil {
		log.ErrorEventFromRequest(r, err, "bulk-upload-invalid")
		http.Error(w, fmt.Sprintf("invalid store: %s", err), http.StatusBadRequest)
		return
	}
	name := uuid.NewString()
	dir := filepath.Join(s.UploadDir, name)
	if err = appendstore.ImportZip(dir, zipData); err != nil {
		log.Errorf("handleBulkUpload: ImportZip('%s') failed with '%s'\n", dir, err)
		http.Error(w, "failed to import store", http.StatusInternalServerError)
		return
	}
	log.EventFromRequest(r, "bulk-upload", "dir", name, "records", len(recs), "size", len(zipData))
	serveJSON(w, r, &BulkUploadResponse{Dir: name, Records: len(recs)})
}

// Run serves HTTP on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      s.Handler(),
	}
	chServerClosed := make(chan error, 1)
	go func() {
		err := httpSrv.Serve(ln)
		// mute error caused by Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		chServerClosed <- err
	}()
	log.Logf("serving on http://%s\n", ln.Addr())

	select {
	case err := <-chServerClosed:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := httpSrv.Shutdown(shutdownCtx)
	<-chServerClosed
	return err
}
