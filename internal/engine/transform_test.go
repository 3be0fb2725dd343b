package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/promptflow/pkg/schema"
)

func TestFileSaveWrite(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileSave("save", schema.Decl{
		"save":    "{dir}/out.txt",
		"content": "hello {name}",
	})
	require.NoError(t, err)

	state := Context{"dir": dir, "name": "world"}
	out, err := s.Run(context.Background(), state, &Options{})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, filepath.Join(dir, "out.txt"), result["path"])
	assert.Equal(t, len("hello world"), result["size"])

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestFileSaveAppend(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileSave("save", schema.Decl{
		"save":    "{dir}/log.txt",
		"content": "line\n",
		"mode":    "append",
	})
	require.NoError(t, err)

	state := Context{"dir": dir}
	_, err = s.Run(context.Background(), state, &Options{})
	require.NoError(t, err)
	_, err = s.Run(context.Background(), state, &Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "line\nline\n", string(data))
}

func TestFileSaveBinary(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileSave("save", schema.Decl{
		"save":    "{dir}/blob.bin",
		"content": "{payload}",
		"mode":    "write_binary",
	})
	require.NoError(t, err)

	// base64("hi")
	_, err = s.Run(context.Background(), Context{"dir": dir, "payload": "aGk="}, &Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestFileSaveInvalidBase64(t *testing.T) {
	s, err := NewFileSave("save", schema.Decl{
		"save":    filepath.Join(t.TempDir(), "x.bin"),
		"content": "not base64!!!",
		"mode":    "write_binary",
	})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), Context{}, &Options{})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeExecution, fe.Code)
}

func TestFileSaveCreateDirs(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileSave("save", schema.Decl{
		"save":        "{dir}/nested/deep/out.txt",
		"content":     "x",
		"create_dirs": true,
	})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), Context{"dir": dir}, &Options{})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "nested", "deep", "out.txt"))
}

func TestFileSaveRejectsUnknownMode(t *testing.T) {
	_, err := NewFileSave("save", schema.Decl{"save": "x", "content": "y", "mode": "truncate"})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestFilesWithContentKey(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFiles("fan", schema.Decl{
		"files":       "{dir}/{item.name}.md",
		"input":       "chapters",
		"content_key": "body",
	})
	require.NoError(t, err)

	state := Context{
		"dir": dir,
		"chapters": []any{
			map[string]any{"name": "intro", "body": "# Intro"},
			map[string]any{"name": "outro", "body": "# Outro"},
		},
	}
	out, err := s.Run(context.Background(), state, &Options{})
	require.NoError(t, err)

	written := out.([]any)
	require.Len(t, written, 2)
	assert.Equal(t, filepath.Join(dir, "intro.md"), written[0].(map[string]any)["file"])

	data, err := os.ReadFile(filepath.Join(dir, "outro.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Outro", string(data))
}

func TestFilesYAMLDumpWithoutContentKey(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFiles("fan", schema.Decl{
		"files": "{dir}/{index}.yaml",
		"input": "records",
	})
	require.NoError(t, err)

	state := Context{
		"dir":     dir,
		"records": []any{map[string]any{"name": "a", "score": 1}},
	}
	_, err = s.Run(context.Background(), state, &Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "0.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "name: a")
	assert.Contains(t, string(data), "score: 1")
}

func TestFilesRequiresListInput(t *testing.T) {
	s, err := NewFiles("fan", schema.Decl{"files": "{dir}/x", "input": "records"})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), Context{"dir": "d", "records": "scalar"}, &Options{})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeExecution, fe.Code)
}

func TestFormatJoinsRenderedItems(t *testing.T) {
	s, err := NewFormat("fmt", schema.Decl{
		"format": "- {item.name} ({item.score})",
		"input":  "entries",
	})
	require.NoError(t, err)

	state := Context{"entries": []any{
		map[string]any{"name": "a", "score": 1},
		map[string]any{"name": "b", "score": 2},
	}}
	out, err := s.Run(context.Background(), state, &Options{})
	require.NoError(t, err)
	assert.Equal(t, "- a (1)\n- b (2)", out)
}

func TestFormatCustomSeparator(t *testing.T) {
	s, err := NewFormat("fmt", schema.Decl{
		"format":    "{item}",
		"input":     "entries",
		"separator": ", ",
	})
	require.NoError(t, err)

	out, err := s.Run(context.Background(), Context{"entries": []any{"x", "y"}}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, "x, y", out)
}

func TestFormatScalarInput(t *testing.T) {
	s, err := NewFormat("fmt", schema.Decl{
		"format": "value: {item}",
		"input":  "single",
	})
	require.NoError(t, err)

	out, err := s.Run(context.Background(), Context{"single": "only"}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, "value: only", out)
}
