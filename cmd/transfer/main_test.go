package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePhoto(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 2), G: uint8(y), B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestOfflineTransferWritesResult(t *testing.T) {
	dir := t.TempDir()
	client := writePhoto(t, dir, "client.png", 120, 160)
	reference := writePhoto(t, dir, "reference.png", 100, 100)
	out := filepath.Join(dir, "sketch.jpg")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-offline", "-client", client, "-reference", reference, "-style", "pencil", "-out", out}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "file://"+out {
		t.Fatalf("unexpected output %q", got)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open result: %v", err)
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if format != "jpeg" || cfg.Width != 120 || cfg.Height != 160 {
		t.Fatalf("unexpected result %s %dx%d", format, cfg.Width, cfg.Height)
	}
}

func TestMissingFlagsIsUsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-client", "a.jpg"}, &stdout, &stderr); code != exitUsage {
		t.Fatalf("expected usage exit, got %d", code)
	}
	if !strings.Contains(stderr.String(), "-client and -reference are required") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestRejectedInputReportsClassifiedError(t *testing.T) {
	dir := t.TempDir()
	client := writePhoto(t, dir, "client.png", 120, 160)
	reference := writePhoto(t, dir, "reference.png", 10, 10)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-offline", "-client", client, "-reference", reference}, &stdout, &stderr)
	if code != exitFailed {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "reject: upload invalid_format") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected no output, got %q", stdout.String())
	}
}
