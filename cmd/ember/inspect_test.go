package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeTestContainer(t *testing.T, path string, tensors map[string][]float32) {
	t.Helper()
	header := "{"
	var payload []byte
	first := true
	for name, vals := range tensors {
		start := len(payload)
		for _, v := range vals {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			payload = append(payload, buf[:]...)
		}
		if !first {
			header += ","
		}
		first = false
		header += fmt.Sprintf(`%q:{"dtype":"F32","shape":[%d],"data_offsets":[%d,%d]}`,
			name, len(vals), start, len(payload))
	}
	header += "}"

	container := make([]byte, 8, 8+len(header)+len(payload))
	binary.LittleEndian.PutUint64(container, uint64(len(header)))
	container = append(container, header...)
	container = append(container, payload...)
	if err := os.WriteFile(path, container, 0o644); err != nil {
		t.Fatalf("write container: %v", err)
	}
}

func TestCollectBlobsDeduplicatesNames(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := filepath.Join(dir, "a.safetensors")
	second := filepath.Join(dir, "b.safetensors")
	writeTestContainer(t, first, map[string][]float32{
		"shared": {1, 2},
		"only_a": {3},
	})
	writeTestContainer(t, second, map[string][]float32{
		"shared": {4, 5, 6},
		"only_b": {7},
	})

	names, blobs, dups, err := collectBlobs([]string{first, second})
	if err != nil {
		t.Fatalf("collectBlobs: %v", err)
	}
	want := []string{"only_a", "only_b", "shared"}
	if len(names) != len(want) {
		t.Fatalf("names: got %v want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names: got %v want %v", names, want)
		}
	}
	if len(dups) != 1 || dups[0] != "shared" {
		t.Fatalf("dups: %v", dups)
	}
	// Later file wins, matching the weight loader.
	if got := blobs["shared"].End - blobs["shared"].Start; got != 12 {
		t.Fatalf("shared blob size: %d", got)
	}
}
