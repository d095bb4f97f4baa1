package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceswap/raced/internal/domain"
	"github.com/raceswap/raced/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeArchives is an in-memory domain.BlobReader.
type fakeArchives struct {
	objects map[string][]byte
}

func (f *fakeArchives) Get(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := f.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeArchives) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	for path, data := range f.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(data))})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (f *fakeArchives) Delete(_ context.Context, path string) error {
	delete(f.objects, path)
	return nil
}

// archiveMux registers the archive routes the way the server does, so the
// wildcard path parameter resolves.
func archiveMux(h *AdminHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/admin/archives", h.ListArchives)
	mux.HandleFunc("GET /api/admin/archives/{path...}", h.GetArchive)
	mux.HandleFunc("DELETE /api/admin/archives/{path...}", h.DeleteArchive)
	return mux
}

func TestAdminListArchives(t *testing.T) {
	archives := &fakeArchives{objects: map[string][]byte{
		"archive/races/2026-07.jsonl":     []byte("{}\n"),
		"archive/races/2026-08.jsonl":     []byte("{}\n{}\n"),
		"archive/transfers/2026-08.jsonl": []byte("{}\n"),
	}}
	h := NewAdminHandler(nil, nil, nil, archives, testLogger())
	mux := archiveMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/archives?prefix=archive/races/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"count":2`)
	assert.Contains(t, body, "archive/races/2026-07.jsonl")
	assert.Contains(t, body, "archive/races/2026-08.jsonl")
	assert.NotContains(t, body, "archive/transfers")
}

func TestAdminGetArchive(t *testing.T) {
	content := []byte(`{"id":"race-1"}` + "\n")
	archives := &fakeArchives{objects: map[string][]byte{
		"archive/races/2026-08.jsonl": content,
	}}
	h := NewAdminHandler(nil, nil, nil, archives, testLogger())
	mux := archiveMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/archives/archive/races/2026-08.jsonl", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, content, rec.Body.Bytes())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/archives/archive/races/2099-01.jsonl", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminDeleteArchive(t *testing.T) {
	ctx := context.Background()
	audit := memory.NewAuditStore()
	archives := &fakeArchives{objects: map[string][]byte{
		"archive/audit/2026-01.jsonl": []byte("{}\n"),
	}}
	h := NewAdminHandler(nil, nil, audit, archives, testLogger())
	mux := archiveMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/admin/archives/archive/audit/2026-01.jsonl", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	remaining, err := archives.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	entries, err := audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive_deleted", entries[0].Event)

	// Idempotent.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/admin/archives/archive/audit/2026-01.jsonl", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminArchivesWithoutBlobStorage(t *testing.T) {
	h := NewAdminHandler(nil, nil, nil, nil, testLogger())
	mux := archiveMux(h)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/admin/archives", nil),
		httptest.NewRequest(http.MethodGet, "/api/admin/archives/archive/races/2026-08.jsonl", nil),
		httptest.NewRequest(http.MethodDelete, "/api/admin/archives/archive/races/2026-08.jsonl", nil),
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "%s %s", req.Method, req.URL.Path)
	}
}
