package worker

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sdseal/internal/envelope"
	"github.com/mattjoyce/sdseal/internal/protocol"
	"github.com/mattjoyce/sdseal/internal/scratch"
	"github.com/mattjoyce/sdseal/internal/secret"
)

// fakePNG is what the fake binaries write as their output image.
const fakePNG = "\x89PNG fake image bytes"

// argParser records the argument vector, one argument per line, then leaves
// the input path (from -i or a bare input.png argument) in $in and the -o
// value in $out.
const argParser = `
: > "$RECORD"
for a in "$@"; do printf '%s\n' "$a" >> "$RECORD"; done
in=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -i) in="$2"; shift ;;
    -o) out="$2"; shift ;;
    */input.png) in="$1" ;;
  esac
  shift
done
`

type fixture struct {
	worker  *Worker
	codec   envelope.Codec
	store   *scratch.Store
	record  string
	logs    *bytes.Buffer
	binDir  string
	binPath string
}

type fixtureOption func(*Runtime)

// newFixture builds a worker whose binary runs body after argParser.
func newFixture(t *testing.T, body string, opts ...fixtureOption) *fixture {
	t.Helper()

	root := t.TempDir()
	record := filepath.Join(root, "argv.txt")
	binDir := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	binPath := filepath.Join(binDir, "sd")
	script := "#!/bin/sh\nRECORD='" + record + "'\n" + argParser + body + "\n"
	require.NoError(t, os.WriteFile(binPath, []byte(script), 0o755))

	store, err := scratch.New(filepath.Join(root, "scratch"))
	require.NoError(t, err)

	codec := newCodec(t)
	logs := &bytes.Buffer{}

	base := Runtime{
		Binary:     binPath,
		Codec:      codec,
		Results:    ResultEncrypted,
		Scratch:    store,
		JobTimeout: 10 * time.Second,
		Logger:     slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	for _, opt := range opts {
		opt(&base)
	}
	rt, err := NewRuntime(base)
	require.NoError(t, err)

	return &fixture{
		worker:  New(rt),
		codec:   codec,
		store:   store,
		record:  record,
		logs:    logs,
		binDir:  binDir,
		binPath: binPath,
	}
}

func newCodec(t *testing.T) envelope.Codec {
	t.Helper()
	key, err := envelope.GenerateKey(envelope.SchemeFernet)
	require.NoError(t, err)
	buf, err := secret.NewFromBytes([]byte(key))
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })
	codec, err := envelope.NewCodec(envelope.SchemeFernet, buf, envelope.Options{})
	require.NoError(t, err)
	return codec
}

// sealJob wraps req the way a client submits it.
func sealJob(t *testing.T, codec envelope.Codec, req protocol.JobRequest) protocol.Job {
	t.Helper()
	plain, err := json.Marshal(req)
	require.NoError(t, err)
	token, err := codec.Seal(plain)
	require.NoError(t, err)
	body, err := protocol.EncodeInput(token)
	require.NoError(t, err)

	var outer struct {
		Input json.RawMessage `json:"input"`
	}
	require.NoError(t, json.Unmarshal(body, &outer))
	return protocol.Job{ID: "job-1", Input: outer.Input}
}

// openResult decodes worker output, opening it when sealed.
func openResult(t *testing.T, codec envelope.Codec, out json.RawMessage) *protocol.Result {
	t.Helper()
	data := []byte(out)
	if token, ok := protocol.SealedToken(out); ok {
		plain, err := codec.Open(token)
		require.NoError(t, err)
		data = plain
	}
	var r protocol.Result
	require.NoError(t, json.Unmarshal(data, &r))
	return &r
}

func (f *fixture) recordedArgs(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.record)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func (f *fixture) binaryRan() bool {
	_, err := os.Stat(f.record)
	return err == nil
}

func (f *fixture) assertScratchEmpty(t *testing.T) {
	t.Helper()
	for _, role := range scratch.Roles {
		if f.store.Exists(role) {
			t.Fatalf("%s artifact left in scratch after job", role)
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
