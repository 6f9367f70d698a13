package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sdseal/internal/models"
	"github.com/mattjoyce/sdseal/internal/protocol"
	"github.com/mattjoyce/sdseal/internal/scratch"
)

const writeOutput = `printf '%s' '` + fakePNG + `' > "$out"
echo "generated 1 image"
echo "progress 100%" >&2
`

func TestHandleEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, writeOutput)
	job := sealJob(t, f.codec, protocol.JobRequest{
		CmdArgs: protocol.CommandString(`-p 'a red cube' -W 64 -H 64`),
	})

	out := f.worker.Handle(context.Background(), job)

	_, sealed := protocol.SealedToken(out)
	require.True(t, sealed, "encrypted policy must seal the result")
	assert.NotContains(t, string(out), "red cube")

	r := openResult(t, f.codec, out)
	require.True(t, r.OK(), "unexpected result %+v", r)
	img, err := base64.StdEncoding.DecodeString(r.Image)
	require.NoError(t, err)
	assert.Equal(t, fakePNG, string(img))
	assert.Equal(t, "generated 1 image\n", r.Stdout)

	assert.Equal(t, []string{
		"-p", "a red cube", "-W", "64", "-H", "64",
		"-o", f.store.Path(scratch.RoleOutput),
	}, f.recordedArgs(t))
	f.assertScratchEmpty(t)
}

func TestHandleNeverLogsPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, writeOutput+`echo "secret-stderr" >&2; exit 3`)
	job := sealJob(t, f.codec, protocol.JobRequest{
		CmdArgs: protocol.CommandString(`-p 'classified prompt text'`),
	})
	_ = f.worker.Handle(context.Background(), job)

	logs := f.logs.String()
	require.NotEmpty(t, logs)
	for _, leak := range []string{"classified prompt text", "secret-stderr", "generated 1 image", string(job.Input)} {
		assert.NotContains(t, logs, leak)
	}
}

func TestHandleInputImage(t *testing.T) {
	t.Parallel()

	// The binary echoes the staged input back as its output.
	body := `cat "$in" > "$out"`
	input := []byte("\x89PNG init image")

	cases := []struct {
		name     string
		args     json.RawMessage
		wantArgv func(in, out string) []string
	}{
		{
			name: "placeholder",
			args: protocol.CommandList([]string{"-p", "x", "{INPUT}"}),
			wantArgv: func(in, out string) []string {
				return []string{"-p", "x", in, "-o", out}
			},
		},
		{
			name: "default input flag",
			args: protocol.CommandString("-p x"),
			wantArgv: func(in, out string) []string {
				return []string{"-p", "x", "-i", in, "-o", out}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, body, func(rt *Runtime) { rt.Results = ResultPlain })
			job := sealJob(t, f.codec, protocol.JobRequest{
				CmdArgs:   tc.args,
				InitImage: base64.StdEncoding.EncodeToString(input),
			})

			out := f.worker.Handle(context.Background(), job)
			r := openResult(t, f.codec, out)
			require.True(t, r.OK(), "unexpected result %+v", r)

			img, err := base64.StdEncoding.DecodeString(r.Image)
			require.NoError(t, err)
			assert.Equal(t, input, img)

			want := tc.wantArgv(f.store.Path(scratch.RoleInput), f.store.Path(scratch.RoleOutput))
			assert.Equal(t, want, f.recordedArgs(t))
			f.assertScratchEmpty(t)
		})
	}
}

func TestHandleCleanupOnEveryOutcome(t *testing.T) {
	t.Parallel()

	image := base64.StdEncoding.EncodeToString([]byte("init"))

	cases := []struct {
		name       string
		body       string
		req        protocol.JobRequest
		wrongKey   bool
		wantMsg    string
		wantRan    bool
		wantStderr string
	}{
		{
			name:    "success",
			body:    writeOutput,
			req:     protocol.JobRequest{CmdArgs: protocol.CommandString("-p ok"), InitImage: image},
			wantRan: true,
		},
		{
			name:    "invalid cmd_args",
			body:    writeOutput,
			req:     protocol.JobRequest{CmdArgs: json.RawMessage(`{"p":"x"}`), InitImage: image},
			wantMsg: "cmd_args must be a string or list",
		},
		{
			name:    "placeholder without image",
			body:    writeOutput,
			req:     protocol.JobRequest{CmdArgs: protocol.CommandList([]string{"-p", "x", "{INPUT}"})},
			wantMsg: "Command used {INPUT} placeholder but no image provided.",
		},
		{
			name:    "invalid image encoding",
			body:    writeOutput,
			req:     protocol.JobRequest{CmdArgs: protocol.CommandString("-p x"), InitImage: "***"},
			wantMsg: msgInvalidImage,
		},
		{
			name:       "non-zero exit",
			body:       writeOutput + `echo "model not found" >&2; exit 2`,
			req:        protocol.JobRequest{CmdArgs: protocol.CommandString("-p x"), InitImage: image},
			wantMsg:    msgNonZeroExit,
			wantRan:    true,
			wantStderr: "model not found",
		},
		{
			name:       "no output produced",
			body:       `echo "nothing to do" >&2`,
			req:        protocol.JobRequest{CmdArgs: protocol.CommandString("-p x"), InitImage: image},
			wantMsg:    msgNoOutput,
			wantRan:    true,
			wantStderr: "nothing to do",
		},
		{
			name:    "empty output file",
			body:    `: > "$out"`,
			req:     protocol.JobRequest{CmdArgs: protocol.CommandString("-p x")},
			wantMsg: msgNoOutput,
			wantRan: true,
		},
		{
			name:     "decryption failure",
			body:     writeOutput,
			req:      protocol.JobRequest{CmdArgs: protocol.CommandString("-p x"), InitImage: image},
			wrongKey: true,
			wantMsg:  protocol.MessageDecryptionFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tc.body)
			sealer := f.codec
			if tc.wrongKey {
				sealer = newCodec(t)
			}

			// Leftovers from a crashed job must not survive either.
			_, err := f.store.Stage(scratch.RoleOutput, []byte("stale"))
			require.NoError(t, err)

			out := f.worker.Handle(context.Background(), sealJob(t, sealer, tc.req))
			r := openResult(t, f.codec, out)

			if tc.wantMsg == "" {
				assert.True(t, r.OK(), "unexpected result %+v", r)
			} else {
				assert.Equal(t, protocol.StatusError, r.Status)
				assert.Equal(t, tc.wantMsg, r.Message)
			}
			assert.Contains(t, r.Stderr, tc.wantStderr)
			assert.Equal(t, tc.wantRan, f.binaryRan(), "binary invocation")
			f.assertScratchEmpty(t)
		})
	}
}

func TestHandleDecryptionFailureIsGenericAndPlain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, writeOutput)

	inputs := []string{
		`{"encrypted_input":"not-a-token"}`,
		`{"encrypted_prompt":"not-a-token"}`,
		`{"cmd_args":"-p plaintext"}`,
		`[]`,
	}
	for _, in := range inputs {
		out := f.worker.Handle(context.Background(), protocol.Job{ID: "j", Input: json.RawMessage(in)})
		assert.JSONEq(t, `{"status":"error","message":"decryption failed"}`, string(out), "input %s", in)
	}
	assert.False(t, f.binaryRan())
	assert.NotContains(t, f.logs.String(), "not-a-token")
}

func TestHandlePlainResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t, writeOutput, func(rt *Runtime) { rt.Results = ResultPlain })
	out := f.worker.Handle(context.Background(), sealJob(t, f.codec, protocol.JobRequest{
		CmdArgs: protocol.CommandString("-p x"),
	}))

	_, sealed := protocol.SealedToken(out)
	assert.False(t, sealed)
	r, err := protocol.DecodeResult(out)
	require.NoError(t, err)
	assert.True(t, r.OK())
}

func TestHandleTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, `echo "starting"; exec sleep 30`, func(rt *Runtime) {
		rt.JobTimeout = 200 * time.Millisecond
	})

	start := time.Now()
	out := f.worker.Handle(context.Background(), sealJob(t, f.codec, protocol.JobRequest{
		CmdArgs: protocol.CommandString("-p x"),
	}))
	assert.Less(t, time.Since(start), 10*time.Second)

	r := openResult(t, f.codec, out)
	assert.Equal(t, msgTimedOut, r.Message)
	assert.Equal(t, "starting\n", r.Stdout)
	f.assertScratchEmpty(t)
}

func TestHandleModelReferences(t *testing.T) {
	t.Parallel()

	f := newFixture(t, writeOutput, func(rt *Runtime) {
		rt.Models = models.Map{"ae.safetensors": {Path: "/models/split_files/vae/ae.safetensors"}}
	})

	out := f.worker.Handle(context.Background(), sealJob(t, f.codec, protocol.JobRequest{
		CmdArgs: protocol.CommandList([]string{"--vae", "{MODEL:ae.safetensors}", "-p", "x"}),
	}))
	require.True(t, openResult(t, f.codec, out).OK())
	assert.Equal(t, []string{"--vae", "/models/split_files/vae/ae.safetensors", "-p", "x", "-o", f.store.Path(scratch.RoleOutput)}, f.recordedArgs(t))

	out = f.worker.Handle(context.Background(), sealJob(t, f.codec, protocol.JobRequest{
		CmdArgs: protocol.CommandList([]string{"--llm", "{MODEL:missing.gguf}"}),
	}))
	r := openResult(t, f.codec, out)
	assert.Equal(t, protocol.StatusError, r.Status)
	assert.Contains(t, r.Message, "missing.gguf")
}

func TestHandleLegacyPrompt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, writeOutput, func(rt *Runtime) {
		rt.Models = models.Map{
			"d.gguf": {Path: "/m/d.gguf"},
			"l.gguf": {Path: "/m/l.gguf"},
			"v.st":   {Path: "/m/v.st"},
		}
		rt.Roles = models.Roles{Diffusion: "d.gguf", LLM: "l.gguf", VAE: "v.st"}
	})

	token, err := f.codec.Seal([]byte("A futuristic city with neon lights"))
	require.NoError(t, err)
	input, err := json.Marshal(map[string]any{
		"encrypted_prompt": token,
		"width":            512,
		"height":           512,
		"steps":            6,
		"cfg_scale":        1.0,
		"seed":             42,
	})
	require.NoError(t, err)

	out := f.worker.Handle(context.Background(), protocol.Job{ID: "legacy", Input: input})
	require.True(t, openResult(t, f.codec, out).OK())

	assert.Equal(t, []string{
		"--diffusion-model", "/m/d.gguf", "--llm", "/m/l.gguf", "--vae", "/m/v.st",
		"-p", "A futuristic city with neon lights",
		"-W", "512", "-H", "512", "--steps", "6", "--cfg-scale", "1", "-s", "42",
		"-o", f.store.Path(scratch.RoleOutput),
	}, f.recordedArgs(t))
}

func TestHandleLegacyPromptUnresolvedRole(t *testing.T) {
	t.Parallel()

	f := newFixture(t, writeOutput, func(rt *Runtime) {
		rt.Roles = models.Roles{Diffusion: "absent.gguf"}
	})
	token, err := f.codec.Seal([]byte("prompt"))
	require.NoError(t, err)

	out := f.worker.Handle(context.Background(), protocol.Job{
		ID:    "legacy",
		Input: json.RawMessage(`{"encrypted_prompt":"` + token + `"}`),
	})
	r := openResult(t, f.codec, out)
	assert.Equal(t, protocol.StatusError, r.Status)
	assert.Contains(t, r.Message, "absent.gguf")
	assert.False(t, f.binaryRan())
}

// panicCodec panics on Open.
type panicCodec struct {
	real interface{ Seal([]byte) (string, error) }
}

func (p panicCodec) Seal(b []byte) (string, error) { return p.real.Seal(b) }
func (panicCodec) Open(string) ([]byte, error)     { panic("boom") }
func (panicCodec) Scheme() string                  { return "panic" }

func TestHandleRecoversPanics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, writeOutput, func(rt *Runtime) { rt.Results = ResultPlain })
	f.worker.rt.Codec = panicCodec{real: f.codec}

	_, err := f.store.Stage(scratch.RoleInput, []byte("leftover"))
	require.NoError(t, err)

	out := f.worker.Handle(context.Background(), protocol.Job{ID: "p", Input: json.RawMessage(`{"encrypted_input":"x"}`)})

	r, err := protocol.DecodeResult(out)
	require.NoError(t, err)
	assert.Equal(t, msgInternal, r.Message)
	f.assertScratchEmpty(t)
}

func TestAdminHold(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, writeOutput)
		out := f.worker.Handle(context.Background(), sealJob(t, f.codec, protocol.JobRequest{
			DebugHold: &protocol.HoldRequest{Seconds: 60},
		}))
		r := openResult(t, f.codec, out)
		assert.Equal(t, protocol.StatusError, r.Status)
		assert.Contains(t, r.Message, "disabled")
		assert.False(t, f.binaryRan())
	})

	t.Run("interrupted by context", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, writeOutput, func(rt *Runtime) { rt.AllowHold = true })
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		out := f.worker.Handle(ctx, sealJob(t, f.codec, protocol.JobRequest{
			DebugHold: &protocol.HoldRequest{Seconds: 3600},
		}))
		assert.Less(t, time.Since(start), 5*time.Second)

		r := openResult(t, f.codec, out)
		assert.Equal(t, protocol.StatusHeld, r.Status)
		assert.False(t, f.binaryRan())
		assert.Contains(t, f.logs.String(), "admin hold engaged")
	})

	t.Run("elapses", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, writeOutput, func(rt *Runtime) {
			rt.AllowHold = true
			rt.MaxHold = 50 * time.Millisecond
		})
		r := f.worker.AdminHold(context.Background(), discardLogger(), time.Hour)
		assert.Equal(t, protocol.StatusHeld, r.Status)
	})

	t.Run("non-positive duration", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, writeOutput, func(rt *Runtime) { rt.AllowHold = true })
		r := f.worker.AdminHold(context.Background(), discardLogger(), 0)
		assert.Equal(t, protocol.StatusError, r.Status)
	})
}

func TestNewRuntimeValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := scratch.New(filepath.Join(dir, "scratch"))
	require.NoError(t, err)
	exe := filepath.Join(dir, "sd")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	notExe := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(notExe, []byte("x"), 0o644))
	codec := newCodec(t)

	valid := Runtime{Binary: exe, Codec: codec, Results: ResultPlain, Scratch: store}
	rt, err := NewRuntime(valid)
	require.NoError(t, err)
	assert.Equal(t, DefaultJobTimeout, rt.JobTimeout)

	cases := map[string]func(*Runtime){
		"missing binary":    func(rt *Runtime) { rt.Binary = filepath.Join(dir, "absent") },
		"not executable":    func(rt *Runtime) { rt.Binary = notExe },
		"directory":         func(rt *Runtime) { rt.Binary = dir },
		"no codec":          func(rt *Runtime) { rt.Codec = nil },
		"no result policy":  func(rt *Runtime) { rt.Results = "" },
		"bad result policy": func(rt *Runtime) { rt.Results = "sometimes" },
		"no scratch":        func(rt *Runtime) { rt.Scratch = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			_, err := NewRuntime(cfg)
			assert.Error(t, err)
		})
	}
}
