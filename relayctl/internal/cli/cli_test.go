package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/you-humble/genrelay/core/relayapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskFileShapes(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
		want int
	}{
		{name: "envelope", doc: "tasks:\n  - prompt: a\n  - prompt: b\n", want: 2},
		{name: "list", doc: "- prompt: a\n- prompt: b\n- prompt: c\n", want: 3},
		{name: "single", doc: "prompt: a\ntags: [x]\n", want: 1},
		{name: "json", doc: `{"tasks":[{"prompt":"a","realSubmit":true}]}`, want: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			entries, err := parseTaskFile([]byte(tc.doc))
			require.NoError(t, err)
			assert.Len(t, entries, tc.want)
		})
	}

	_, err := parseTaskFile([]byte("just a string"))
	assert.Error(t, err)
	_, err = parseTaskFile(nil)
	assert.Error(t, err)
}

func TestLoadTaskFileInlinesReferences(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cat.png"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(`
tasks:
  - prompt: "the cat from @1"
    priority: 2
    realSubmit: true
    modelConfig:
      aspectRatio: "9:16"
    references: [cat.png]
`), 0o644))

	specs, err := loadTaskFile(filepath.Join(dir, "tasks.yaml"))
	require.NoError(t, err)
	require.Len(t, specs, 1)

	s := specs[0]
	assert.Equal(t, 2, s.Priority)
	assert.True(t, s.RealSubmit)
	require.NotNil(t, s.ModelConfig)
	assert.Equal(t, "9:16", s.ModelConfig.AspectRatio)
	require.Len(t, s.ReferenceFiles, 1)
	assert.Equal(t, "cat.png", s.ReferenceFiles[0].FileName)
	assert.Equal(t, "cG5n", s.ReferenceFiles[0].Base64)
	assert.Equal(t, "image/png", s.ReferenceFiles[0].FileType)
}

func TestLoadTaskFileMissingReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prompt: a\nreferences: [nope.png]\n"), 0o644))

	_, err := loadTaskFile(path)
	assert.ErrorContains(t, err, "nope.png")
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestPushFromFlags(t *testing.T) {
	var got map[string][]relayapi.TaskSpec
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tasks/push", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"taskCodes":["SD-20260301-AB12-001"],"notified":2}`))
	}))
	defer srv.Close()

	out, err := run(t, srv, "push", "--prompt", "hello", "--tag", "a,b", "--aspect-ratio", "1:1")
	require.NoError(t, err)

	assert.Contains(t, out, "SD-20260301-AB12-001")
	assert.Contains(t, out, "1 task(s) enqueued, 2 client(s) notified")
	require.Len(t, got["tasks"], 1)
	assert.Equal(t, []string{"a", "b"}, got["tasks"][0].Tags)
	require.NotNil(t, got["tasks"][0].ModelConfig)
	assert.Equal(t, "1:1", got["tasks"][0].ModelConfig.AspectRatio)
}

func TestPushNeedsInput(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := run(t, srv, "push")
	assert.ErrorContains(t, err, "--file or --prompt")
}

func TestTasksTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"total":2,"tasks":[
			{"taskCode":"SD-1","status":"generating","priority":1,"tags":["x"],"occupiedBy":"agent-a","pipelineRetries":1},
			{"taskCode":"SD-2","status":"pending","priority":1}
		]}`))
	}))
	defer srv.Close()

	out, err := run(t, srv, "tasks", "--status", "generating")
	require.NoError(t, err)
	assert.Contains(t, out, "SD-1")
	assert.Contains(t, out, "agent-a")
	assert.NotContains(t, out, "SD-2")
}

func TestReleaseUnknownTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"task_not_found","message":"task not found: SD-9"}`))
	}))
	defer srv.Close()

	_, err := run(t, srv, "release", "SD-9")
	assert.ErrorContains(t, err, "no task SD-9")
}
