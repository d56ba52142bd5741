package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-igc/checkpoints"
)

var smallNet = []string{"-network", "residual", "-depth", "20", "-primary-partition", "2", "-secondary-partition", "4"}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestRunSummary(t *testing.T) {
	out, err := runCmd(t, append([]string{"summary"}, smallNet...)...)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	for _, want := range []string{"residual-20(", "Total parameters:", "residual depth=20 classes=10"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary output is missing %q", want)
		}
	}
}

func TestRunExportAndInit(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "igc")
	args := append([]string{"-model-prefix", prefix, "-checkpoint-format", "proto", "-seed", "3"}, smallNet...)

	if _, err := runCmd(t, append([]string{"export"}, args...)...); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if _, err := os.Stat(checkpoints.SymbolPath(prefix, checkpoints.FormatProto)); err != nil {
		t.Fatalf("symbol file missing: %v", err)
	}

	out, err := runCmd(t, append([]string{"init"}, args...)...)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.Contains(out, "-0000.params.pb") {
		t.Errorf("init output = %q", out)
	}
	cp, err := checkpoints.NewCheckpointSaver(checkpoints.FormatProto).LoadEpoch(prefix, 0)
	if err != nil {
		t.Fatalf("LoadEpoch failed: %v", err)
	}
	if len(cp.Weights) != len(cp.ModelSpec.Parameters) {
		t.Errorf("checkpoint holds %d weights for %d parameters", len(cp.Weights), len(cp.ModelSpec.Parameters))
	}

	out, err = runCmd(t, append([]string{"inspect"}, args...)...)
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if !strings.Contains(out, `"weights"`) || !strings.Contains(out, `"training_state"`) {
		t.Errorf("inspect output does not look like a params file: %.200s", out)
	}
}

func writeCIFAR(t *testing.T, path string, n int) {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.WriteByte(byte(i % 10))
		buf.Write(bytes.Repeat([]byte{byte(20 * i)}, 3*32*32))
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRunData(t *testing.T) {
	dir := t.TempDir()
	writeCIFAR(t, filepath.Join(dir, "train.bin"), 5)
	writeCIFAR(t, filepath.Join(dir, "test.bin"), 3)

	out, err := runCmd(t, "data",
		"-data-dir", dir,
		"-train-dataset", "train.bin",
		"-val-dataset", "test.bin",
		"-batch-size", "2",
		"-num-examples", "5",
		"-num-workers", "2",
	)
	if err != nil {
		t.Fatalf("data failed: %v", err)
	}
	if !strings.Contains(out, "Cache: 8/") {
		t.Errorf("expected both datasets in the shared cache, got %q", out)
	}
}

func writeFolder(t *testing.T, root string, classes []string, perClass int) {
	t.Helper()
	for c, class := range classes {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < perClass; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 8, 8))
			for p := 0; p < 64; p++ {
				img.Set(p%8, p/8, color.RGBA{uint8(40 * c), uint8(10 * i), 200, 255})
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%03d.png", i)))
			if err != nil {
				t.Fatal(err)
			}
			if err := png.Encode(f, img); err != nil {
				t.Fatal(err)
			}
			f.Close()
		}
	}
}

func TestRunDataImageFolder(t *testing.T) {
	dir := t.TempDir()
	writeFolder(t, filepath.Join(dir, "train"), []string{"cat", "dog"}, 3)
	writeFolder(t, filepath.Join(dir, "val"), []string{"cat", "dog"}, 1)

	out, err := runCmd(t, "data",
		"-data-dir", dir,
		"-train-dataset", "train",
		"-val-dataset", "val",
		"-batch-size", "2",
		"-num-examples", "6",
	)
	if err != nil {
		t.Fatalf("data failed: %v", err)
	}
	if !strings.Contains(out, "Cache: 8/") {
		t.Errorf("expected every image in the shared cache, got %q", out)
	}

	if _, err := runCmd(t, "data", "-data-dir", dir, "-train-dataset", "train", "-val-dataset", "val",
		"-batch-size", "2", "-num-examples", "6", "-num-classes", "1"); err == nil {
		t.Error("expected error for more classes than the network predicts")
	}
}

func TestRunErrors(t *testing.T) {
	if _, err := runCmd(t); err == nil {
		t.Error("expected missing command error")
	}
	if _, err := runCmd(t, "train"); err == nil {
		t.Error("expected unknown command error")
	}
	if _, err := runCmd(t, "summary", "-depth", "21", "-network", "residual"); err == nil {
		t.Error("expected invalid depth error")
	}
	if _, err := runCmd(t, "data", "-data-dir", t.TempDir()); err == nil {
		t.Error("expected missing data error")
	}
	if out, err := runCmd(t, "help"); err != nil || !strings.Contains(out, "usage: igcnet") {
		t.Errorf("help = %q, %v", out, err)
	}
}
