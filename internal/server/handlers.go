package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	fserr "github.com/bleepstore/s3filestore/internal/errors"
)

// HealthCheck is the result of one dependency check.
type HealthCheck struct {
	Status string `json:"status" example:"ok" doc:"Check status"`
	Error  string `json:"error,omitempty" doc:"Failure reason"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]HealthCheck `json:"checks,omitempty" doc:"Dependency checks"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

func (s *Server) health(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{Status: http.StatusOK, Body: HealthBody{Status: "ok"}}
	if !s.cfg.Observability.HealthCheck {
		return out, nil
	}
	out.Body.Checks = map[string]HealthCheck{"bucket": {Status: "ok"}}
	if err := s.store.Ping(ctx); err != nil {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "degraded"
		out.Body.Checks["bucket"] = HealthCheck{Status: "error", Error: err.Error()}
	}
	return out, nil
}

// FileNameInput selects a file by name.
type FileNameInput struct {
	Name string `path:"name" doc:"File name"`
}

// FileListBody lists file names.
type FileListBody struct {
	Files []string `json:"files" doc:"File names in lexicographic order"`
}

// FileListOutput is the output of the list endpoint.
type FileListOutput struct {
	Body FileListBody
}

// FileMeta describes one file.
type FileMeta struct {
	Name        string `json:"name" doc:"File name"`
	Size        int64  `json:"size" doc:"Logical length in bytes"`
	ContentType string `json:"content_type" doc:"Stored MIME type"`
}

// FileMetaOutput is the output of the metadata endpoint.
type FileMetaOutput struct {
	Body FileMeta
}

// TruncateBody is the request body of the truncate endpoint.
type TruncateBody struct {
	Length int64 `json:"length" doc:"New length in bytes; must not exceed the current length"`
}

// TruncateInput is the input of the truncate endpoint.
type TruncateInput struct {
	Name string `path:"name" doc:"File name"`
	Body TruncateBody
}

// DeleteBody reports a single delete.
type DeleteBody struct {
	Deleted bool `json:"deleted"`
}

// DeleteOutput is the output of the delete endpoint.
type DeleteOutput struct {
	Body DeleteBody
}

// DeleteFilesBody is the request body of the bulk delete endpoint.
type DeleteFilesBody struct {
	Names []string `json:"names" doc:"File names to delete"`
}

// DeleteFilesInput is the input of the bulk delete endpoint.
type DeleteFilesInput struct {
	Body DeleteFilesBody
}

// DeleteFilesResult lists the names that could not be deleted.
type DeleteFilesResult struct {
	NotDeleted []string `json:"not_deleted"`
}

// DeleteFilesOutput is the output of the bulk delete endpoint.
type DeleteFilesOutput struct {
	Body DeleteFilesResult
}

// SaveResult is the response body of an upload.
type SaveResult struct {
	Name string `json:"name"`
}

// AppendResult is the response body of an append.
type AppendResult struct {
	Length int64 `json:"length"`
}

func (s *Server) registerFileRoutes() {
	tags := []string{"Files"}

	huma.Register(s.api, huma.Operation{
		OperationID: "list-files",
		Method:      http.MethodGet,
		Path:        "/files",
		Summary:     "List files",
		Tags:        tags,
	}, func(ctx context.Context, input *struct{}) (*FileListOutput, error) {
		names, err := s.store.GetFileList(ctx)
		if err != nil {
			return nil, s.apiError(err)
		}
		if names == nil {
			names = []string{}
		}
		return &FileListOutput{Body: FileListBody{Files: names}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-file-meta",
		Method:      http.MethodGet,
		Path:        "/files/{name}/meta",
		Summary:     "Get file size and content type",
		Tags:        tags,
	}, func(ctx context.Context, input *FileNameInput) (*FileMetaOutput, error) {
		size, err := s.store.GetFileSize(ctx, input.Name)
		if err != nil {
			return nil, s.apiError(err)
		}
		mime, err := s.store.GetMimeType(ctx, input.Name)
		if err != nil {
			return nil, s.apiError(err)
		}
		return &FileMetaOutput{Body: FileMeta{Name: input.Name, Size: size, ContentType: mime}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "truncate-file",
		Method:        http.MethodPost,
		Path:          "/files/{name}/truncate",
		Summary:       "Shorten a file",
		Tags:          tags,
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *TruncateInput) (*struct{}, error) {
		if err := s.store.SetFileLength(ctx, input.Body.Length, input.Name); err != nil {
			return nil, s.apiError(err)
		}
		return nil, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "delete-file",
		Method:      http.MethodDelete,
		Path:        "/files/{name}",
		Summary:     "Delete a file",
		Tags:        tags,
	}, func(ctx context.Context, input *FileNameInput) (*DeleteOutput, error) {
		deleted, err := s.store.DeleteFile(ctx, input.Name)
		if err != nil {
			return nil, s.apiError(err)
		}
		return &DeleteOutput{Body: DeleteBody{Deleted: deleted}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "delete-files",
		Method:      http.MethodPost,
		Path:        "/files/delete",
		Summary:     "Delete many files",
		Tags:        tags,
	}, func(ctx context.Context, input *DeleteFilesInput) (*DeleteFilesOutput, error) {
		notDeleted, err := s.store.DeleteFiles(ctx, input.Body.Names)
		if err != nil {
			return nil, s.apiError(err)
		}
		if notDeleted == nil {
			notDeleted = []string{}
		}
		return &DeleteFilesOutput{Body: DeleteFilesResult{NotDeleted: notDeleted}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "remove-all-files",
		Method:        http.MethodDelete,
		Path:          "/files",
		Summary:       "Delete every file",
		Tags:          tags,
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct{}) (*struct{}, error) {
		if err := s.store.Remove(ctx); err != nil {
			return nil, s.apiError(err)
		}
		return nil, nil
	})
}

// saveFile stores the request body as a new file.
func (s *Server) saveFile(w http.ResponseWriter, r *http.Request) {
	name, err := s.store.SaveNewFile(r.Context(), r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/files/"+url.PathEscape(name))
	writeJSON(w, http.StatusCreated, SaveResult{Name: name})
}

// getFile streams a file, honouring a single byte range.
func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	size, err := s.store.GetFileSize(ctx, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	mime, err := s.store.GetMimeType(ctx, name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	var body io.ReadCloser
	length := size
	if header := r.Header.Get("Range"); header != "" {
		offset, n, err := parseRange(header, name, size)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if body, err = s.store.GetFileRange(ctx, name, offset, n); err != nil {
			s.writeError(w, err)
			return
		}
		status = http.StatusPartialContent
		length = n
		w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(offset, 10)+"-"+
			strconv.FormatInt(offset+n-1, 10)+"/"+strconv.FormatInt(size, 10))
	} else if body, err = s.store.GetFile(ctx, name); err != nil {
		s.writeError(w, err)
		return
	}
	defer body.Close()

	if mime != "" {
		w.Header().Set("Content-Type", mime)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(status)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("Streaming file failed", "name", name, "error", err)
	}
}

// appendFile appends the request body to a file at the offset query parameter.
func (s *Server) appendFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	raw := r.URL.Query().Get("offset")
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, fserr.ErrInvalidArgument.WithMessage("invalid offset %q", raw).WithKey(name))
		return
	}
	length, err := s.store.AppendToFile(r.Context(), r.Body, name, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AppendResult{Length: length})
}

// parseRange resolves a single-range "bytes=" header against size into an
// offset and a length. End positions past the file are clamped.
func parseRange(header, name string, size int64) (int64, int64, error) {
	ranges, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(ranges, ",") {
		return 0, 0, fserr.ErrInvalidArgument.WithMessage("unsupported range %q", header).WithKey(name)
	}
	from, to, ok := strings.Cut(ranges, "-")
	if !ok {
		return 0, 0, fserr.ErrInvalidArgument.WithMessage("malformed range %q", header).WithKey(name)
	}

	if from == "" {
		suffix, err := strconv.ParseInt(to, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, fserr.InvalidRange(0, 0, name, size, err)
		}
		suffix = min(suffix, size)
		return size - suffix, suffix, nil
	}

	offset, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, fserr.ErrInvalidArgument.WithMessage("malformed range %q", header).WithKey(name)
	}
	if offset >= size {
		return 0, 0, fserr.InvalidRange(offset, -1, name, size, nil)
	}
	if to == "" {
		return offset, size - offset, nil
	}
	last, err := strconv.ParseInt(to, 10, 64)
	if err != nil || last < offset {
		return 0, 0, fserr.ErrInvalidArgument.WithMessage("malformed range %q", header).WithKey(name)
	}
	last = min(last, size-1)
	return offset, last - offset + 1, nil
}

// statusOf returns the HTTP status for err.
func statusOf(err error) int {
	var fe *fserr.FileStoreError
	if errors.As(err, &fe) && fe.HTTPStatus != 0 {
		return fe.HTTPStatus
	}
	return http.StatusInternalServerError
}

// apiError converts err into a Huma status error.
func (s *Server) apiError(err error) error {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "status", status, "error", err)
	}
	return huma.NewError(status, err.Error())
}

// writeError writes err as an RFC 9457 problem document, the format Huma
// uses for the documented endpoints.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "status", status, "error", err)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&huma.ErrorModel{
		Title:  http.StatusText(status),
		Status: status,
		Detail: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
