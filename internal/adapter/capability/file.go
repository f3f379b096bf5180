package capability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"

	"clawnode/internal/domain"
	"clawnode/internal/security"
)

// File reads, writes and lists files confined to the sandbox roots.
type File struct {
	sandbox  *security.Sandbox
	maxRead  int64
	maxWrite int64
	logger   *slog.Logger
}

// NewFile creates the file capability. maxRead bounds file_read (a request
// may lower it with maxSize) and maxWrite bounds file_write.
func NewFile(sandbox *security.Sandbox, maxRead, maxWrite int64, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{sandbox: sandbox, maxRead: maxRead, maxWrite: maxWrite, logger: logger}
}

func (f *File) Name() string      { return "file" }
func (f *File) Actions() []string { return []string{"file_read", "file_write", "file_list"} }

func (f *File) ParamSchemas() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"file_read": json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"maxSize": {"type": "integer", "minimum": 0}
			},
			"required": ["path"]
		}`),
		"file_write": json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"content": {"type": "string"},
				"attachment": {"type": "string", "contentEncoding": "base64"}
			},
			"required": ["path"]
		}`),
		"file_list": json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}}
		}`),
	}
}

func (f *File) Execute(ctx context.Context, cmd domain.Command) (*domain.Result, error) {
	switch cmd.Action {
	case "file_read":
		return f.read(cmd.Params)
	case "file_write":
		return f.write(cmd.Params)
	case "file_list":
		return f.list(cmd.Params)
	default:
		return nil, domain.NewDomainError("File.Execute", domain.ErrUnknownAction, cmd.Action)
	}
}

// resolve maps sandbox violations to a result; other errors pass through.
func (f *File) resolve(path string) (string, *domain.Result) {
	resolved, err := f.sandbox.ValidatePath(path)
	if err != nil {
		return "", domain.Fail("path not allowed: " + path)
	}
	return resolved, nil
}

func (f *File) read(params map[string]any) (*domain.Result, error) {
	path, rejected := f.resolve(stringParam(params, "path", ""))
	if rejected != nil {
		return rejected, nil
	}
	limit, err := intParam(params, "maxSize", f.maxRead)
	if err != nil {
		return domain.Fail(err.Error()), nil
	}
	if limit > f.maxRead {
		limit = f.maxRead
	}

	fh, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Fail("file not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return domain.Fail("is a directory"), nil
	}
	if info.Size() > limit {
		return domain.Fail(fmt.Sprintf("file too large: %d bytes (limit %d)", info.Size(), limit)), nil
	}

	// The file may grow between Stat and read.
	data, err := io.ReadAll(io.LimitReader(fh, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(data)) > limit {
		return domain.Fail(fmt.Sprintf("file too large: limit %d", limit)), nil
	}

	res := domain.OK(map[string]any{
		"path":     path,
		"size":     len(data),
		"mimeType": guessMime(path),
	})
	res.Attachment = data
	return res, nil
}

func (f *File) write(params map[string]any) (*domain.Result, error) {
	path, rejected := f.resolve(stringParam(params, "path", ""))
	if rejected != nil {
		return rejected, nil
	}

	var data []byte
	if b64 := stringParam(params, "attachment", ""); b64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return domain.Fail("attachment is not valid base64"), nil
		}
		data = decoded
	} else {
		data = []byte(stringParam(params, "content", ""))
	}
	if int64(len(data)) > f.maxWrite {
		return domain.Fail(fmt.Sprintf("content too large: %d bytes (limit %d)", len(data), f.maxWrite)), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create parent of %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	f.logger.Info("file written", "path", path, "size", len(data))

	return domain.OK(map[string]any{"path": path, "size": len(data)}), nil
}

func (f *File) list(params map[string]any) (*domain.Result, error) {
	path, rejected := f.resolve(stringParam(params, "path", f.sandbox.Root()))
	if rejected != nil {
		return rejected, nil
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Fail("directory not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return domain.Fail("not a directory"), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	files := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue // removed while listing
		}
		files = append(files, map[string]any{
			"name":     e.Name(),
			"size":     info.Size(),
			"isDir":    e.IsDir(),
			"modified": info.ModTime().UnixMilli(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i]["name"].(string) < files[j]["name"].(string) })

	return domain.OK(map[string]any{
		"path":  path,
		"files": files,
		"count": len(files),
	}), nil
}

func guessMime(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
