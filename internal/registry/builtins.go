package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileReadSchema and fileEditSchema are the JSON schemas for the two
// illustrative file tools below. Every lace deployment is expected to
// register its own tool set; these exist to exercise the registry's
// validation and read-before-write paths end to end.
const fileReadSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1}
  },
  "required": ["path"],
  "additionalProperties": false
}`

const fileEditSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "old_text": {"type": "string"},
    "new_text": {"type": "string"}
  },
  "required": ["path", "old_text", "new_text"],
  "additionalProperties": false
}`

// FileReadTool reads a file's contents and records the path as having
// been observed, so a subsequent FileEditTool call on the same path
// passes read-before-write.
type FileReadTool struct {
	Recorder ReadRecorder
}

// ReadRecorder is implemented by whatever tracks per-thread "has this
// absolute path been read" state (typically the Agent Core). Separate
// from AgentHandle because it's a write side: read tools record, write
// tools consult.
type ReadRecorder interface {
	RecordRead(absolutePath string)
}

func (t *FileReadTool) Name() string        { return "file_read" }
func (t *FileReadTool) Description() string { return "Read the contents of a file." }
func (t *FileReadTool) InputSchema() json.RawMessage {
	return json.RawMessage(fileReadSchema)
}
func (t *FileReadTool) Annotations() Annotations {
	return Annotations{ReadOnly: true, Idempotent: true}
}

type fileReadArgs struct {
	Path string `json:"path"`
}

func (t *FileReadTool) Execute(ctx context.Context, args json.RawMessage, tc Context) (Result, error) {
	var a fileReadArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}

	abs := resolvePath(tc.WorkingDirectory, a.Path)
	contents, err := os.ReadFile(abs)
	if err != nil {
		return Result{Content: fmt.Sprintf("reading %s: %s", abs, err), IsError: true}, nil
	}

	if t.Recorder != nil {
		t.Recorder.RecordRead(abs)
	}
	return Result{Content: string(contents)}, nil
}

// FileEditTool replaces one occurrence of old_text with new_text in an
// existing file. It refuses to run against a file that exists but
// hasn't been read in this thread (the read-before-write guard);
// creating a brand-new file is unaffected since there is nothing to
// have read.
type FileEditTool struct{}

func (t *FileEditTool) Name() string        { return "file_edit" }
func (t *FileEditTool) Description() string { return "Replace text in an existing file." }
func (t *FileEditTool) InputSchema() json.RawMessage {
	return json.RawMessage(fileEditSchema)
}
func (t *FileEditTool) Annotations() Annotations {
	return Annotations{Destructive: true}
}

type fileEditArgs struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

func (t *FileEditTool) Execute(ctx context.Context, args json.RawMessage, tc Context) (Result, error) {
	var a fileEditArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}

	abs := resolvePath(tc.WorkingDirectory, a.Path)

	_, statErr := os.Stat(abs)
	fileExists := statErr == nil
	if fileExists {
		if tc.AgentHandle == nil || !tc.AgentHandle.HasFileBeenRead(abs) {
			return Result{
				Content: fmt.Sprintf("%s exists but has not been read in this thread; read it before editing", abs),
				IsError: true,
			}, nil
		}
	}

	contents, err := os.ReadFile(abs)
	if err != nil {
		if fileExists {
			return Result{Content: err.Error(), IsError: true}, nil
		}
		contents = nil
	}

	original := string(contents)
	updated, err := replaceOnce(original, a.OldText, a.NewText)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}

	return Result{Content: fmt.Sprintf("edited %s", abs)}, nil
}

func resolvePath(workingDirectory, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(workingDirectory, path))
}

func replaceOnce(haystack, old, new string) (string, error) {
	if old == "" {
		return haystack + new, nil
	}
	if strings.Count(haystack, old) != 1 {
		return "", fmt.Errorf("old_text must appear exactly once in file")
	}
	return strings.Replace(haystack, old, new, 1), nil
}
