package cmd

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/vlama/vlama/api"
	"github.com/vlama/vlama/envconfig"
	"github.com/vlama/vlama/fs/safetensors"
)

func mockGenerateServer(t *testing.T, reqCh chan *api.GenerateRequest) {
	t.Helper()

	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/generate" && r.Method == http.MethodPost {
			var req api.GenerateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			reqCh <- &req

			w.Header().Set("Content-Type", "application/x-ndjson")
			enc := json.NewEncoder(w)
			if req.Prompt != "" {
				enc.Encode(api.GenerateResponse{Model: req.Model, Response: "Because"})
				enc.Encode(api.GenerateResponse{Model: req.Model, Response: " scattering."})
			}
			enc.Encode(api.GenerateResponse{Model: req.Model, Done: true, DoneReason: "stop"})
			return
		}
		http.NotFound(w, r)
	}))

	t.Setenv("VLAMA_HOST", mockServer.URL)
	t.Cleanup(mockServer.Close)
}

func newRunTestCmd(t *testing.T) *cobra.Command {
	t.Helper()

	cmd := &cobra.Command{}
	cmd.SetContext(t.Context())
	cmd.Flags().StringArray("image", nil, "")
	cmd.Flags().String("keepalive", "", "")
	cmd.Flags().Bool("verbose", false, "")
	cmd.Flags().Bool("nowordwrap", false, "")
	return cmd
}

func TestRunHandler(t *testing.T) {
	reqCh := make(chan *api.GenerateRequest, 1)
	mockGenerateServer(t, reqCh)

	cmd := newRunTestCmd(t)

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	errCh := make(chan error, 1)
	go func() {
		errCh <- runHandler(cmd, []string{"test-model", "why", "is", "the", "sky", "blue?"})
	}()

	err := <-errCh
	w.Close()
	os.Stdout = oldStdout

	if err != nil {
		t.Fatalf("runHandler returned error: %v", err)
	}

	var out bytes.Buffer
	io.Copy(&out, r)

	select {
	case req := <-reqCh:
		if diff := cmp.Diff("why is the sky blue?", req.Prompt); diff != "" {
			t.Errorf("unexpected prompt (-want +got):\n%s", diff)
		}
		if req.Model != "test-model" {
			t.Errorf("expected model test-model, got %q", req.Model)
		}
		if req.KeepAlive != nil {
			t.Errorf("expected keepalive to be nil, got %v", req.KeepAlive)
		}
		if len(req.Images) != 0 {
			t.Errorf("expected no images, got %d", len(req.Images))
		}
	default:
		t.Fatal("server did not receive generate request")
	}

	if diff := cmp.Diff("Because scattering.\n\n", out.String()); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestRunHandlerImages(t *testing.T) {
	reqCh := make(chan *api.GenerateRequest, 1)
	mockGenerateServer(t, reqCh)

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}

	imagePath := filepath.Join(t.TempDir(), "cat.png")
	if err := os.WriteFile(imagePath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newRunTestCmd(t)
	if err := cmd.Flags().Set("image", imagePath); err != nil {
		t.Fatal(err)
	}

	if err := runHandler(cmd, []string{"test-model", "describe", "this"}); err != nil {
		t.Fatalf("runHandler returned error: %v", err)
	}

	select {
	case req := <-reqCh:
		if len(req.Images) != 1 {
			t.Fatalf("expected 1 image, got %d", len(req.Images))
		}
		if !bytes.Equal(req.Images[0], buf.Bytes()) {
			t.Error("image bytes were mangled in transit")
		}
	default:
		t.Fatal("server did not receive generate request")
	}
}

func TestRunHandlerInvalidImage(t *testing.T) {
	reqCh := make(chan *api.GenerateRequest, 1)
	mockGenerateServer(t, reqCh)

	notImage := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(notImage, []byte("just some text"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newRunTestCmd(t)
	if err := cmd.Flags().Set("image", notImage); err != nil {
		t.Fatal(err)
	}

	err := runHandler(cmd, []string{"test-model", "describe", "this"})
	if err == nil || !strings.Contains(err.Error(), "invalid image type") {
		t.Fatalf("expected invalid image type error, got %v", err)
	}
}

func TestRunHandlerPreload(t *testing.T) {
	reqCh := make(chan *api.GenerateRequest, 1)
	mockGenerateServer(t, reqCh)

	cmd := newRunTestCmd(t)
	if err := cmd.Flags().Set("keepalive", "10m"); err != nil {
		t.Fatal(err)
	}

	if err := runHandler(cmd, []string{"test-model"}); err != nil {
		t.Fatalf("runHandler returned error: %v", err)
	}

	select {
	case req := <-reqCh:
		if req.Prompt != "" {
			t.Errorf("expected empty prompt, got %q", req.Prompt)
		}
		if req.KeepAlive == nil || req.KeepAlive.Duration != 10*time.Minute {
			t.Errorf("expected keepalive 10m, got %v", req.KeepAlive)
		}
	default:
		t.Fatal("server did not receive generate request")
	}
}

func TestListHandler(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" && r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(api.ListResponse{Models: []api.ListModelResponse{
				{Name: "llava", Digest: "sha256:0123456789abcdef", Size: 4_500_000_000, ModifiedAt: time.Now().Add(-time.Hour)},
				{Name: "moondream", Digest: "sha256:fedcba9876543210", Size: 1_200_000_000, ModifiedAt: time.Now().Add(-24 * time.Hour)},
			}}); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		http.NotFound(w, r)
	}))

	t.Setenv("VLAMA_HOST", mockServer.URL)
	t.Cleanup(mockServer.Close)

	capture := func(args []string) string {
		cmd := &cobra.Command{}
		cmd.SetContext(t.Context())

		oldStdout := os.Stdout
		r, w, _ := os.Pipe()
		os.Stdout = w

		errCh := make(chan error, 1)
		go func() {
			errCh <- listHandler(cmd, args)
		}()

		err := <-errCh
		w.Close()
		os.Stdout = oldStdout

		if err != nil {
			t.Fatalf("listHandler returned error: %v", err)
		}

		var out bytes.Buffer
		io.Copy(&out, r)
		return out.String()
	}

	out := capture(nil)
	for _, want := range []string{"NAME", "ID", "SIZE", "MODIFIED", "llava", "0123456789ab", "4.5 GB", "moondream"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}

	out = capture([]string{"moon"})
	if strings.Contains(out, "llava") {
		t.Errorf("expected filtered output to omit llava, got:\n%s", out)
	}
	if !strings.Contains(out, "moondream") {
		t.Errorf("expected filtered output to contain moondream, got:\n%s", out)
	}
}

func TestCheckServerHeartbeat(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Setenv("VLAMA_HOST", mockServer.URL)

	cmd := &cobra.Command{}
	cmd.SetContext(t.Context())
	if err := checkServerHeartbeat(cmd, nil); err != nil {
		t.Fatalf("expected heartbeat to succeed, got %v", err)
	}

	// a closed port turns connection refused into a hint to start the server
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	mockServer.Close()

	t.Setenv("VLAMA_HOST", "http://"+addr)
	err = checkServerHeartbeat(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "vlama serve") {
		t.Fatalf("expected connection hint, got %v", err)
	}
}

func TestDisplayResponse(t *testing.T) {
	capture := func(fn func()) string {
		oldStdout := os.Stdout
		r, w, _ := os.Pipe()
		os.Stdout = w

		done := make(chan struct{})
		go func() {
			defer close(done)
			fn()
		}()

		<-done
		w.Close()
		os.Stdout = oldStdout

		var out bytes.Buffer
		io.Copy(&out, r)
		return out.String()
	}

	out := capture(func() {
		state := &displayResponseState{}
		displayResponse("The sky ", false, state)
		displayResponse("is blue.", false, state)
	})
	if diff := cmp.Diff("The sky is blue.", out); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}

	// wrapping asks for the terminal width, which a pipe does not have, so
	// output falls back to plain passthrough
	out = capture(func() {
		state := &displayResponseState{}
		displayResponse("no terminal here", true, state)
	})
	if diff := cmp.Diff("no terminal here", out); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestImportHandler(t *testing.T) {
	t.Setenv("VLAMA_MODELS", t.TempDir())

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "config.json"), []byte(`{"model_type": "llava"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "tokenizer.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := os.Create(filepath.Join(src, "model.safetensors"))
	if err != nil {
		t.Fatal(err)
	}
	err = safetensors.Write(f, []safetensors.TensorData{
		{Name: "a.weight", DType: "F32", Shape: []int{2}, Data: []byte{0x00, 0x00, 0x80, 0x3f, 0x00, 0x00, 0x00, 0x40}},
	}, nil)
	f.Close()
	if err != nil {
		t.Fatal(err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("name", "", "")
	if err := cmd.Flags().Set("name", "tiny"); err != nil {
		t.Fatal(err)
	}

	if err := importHandler(cmd, []string{src}); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"config.json", "tokenizer.json", "model.safetensors"} {
		if _, err := os.Stat(filepath.Join(envconfig.Models(), "tiny", name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	// a second import with the same name refuses to overwrite
	if err := importHandler(cmd, []string{src}); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected already exists error, got %v", err)
	}
}
