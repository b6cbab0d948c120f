package safetensors

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestEncodeOpenRoundTrip(t *testing.T) {
	tensors := []Tensor{
		{Name: "utt2", Shape: []int64{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "utt1", Shape: []int64{4}, Data: []float32{-1, 0.5, 0, 9}},
	}

	data, err := EncodeTensors(tensors)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	store, err := OpenStoreFromBytes(data)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	names := store.Names()
	if len(names) != 2 || names[0] != "utt1" || names[1] != "utt2" {
		t.Fatalf("names = %v, want [utt1 utt2]", names)
	}

	got, err := store.TensorWithShape("utt2", []int64{2, 3})
	if err != nil {
		t.Fatalf("load utt2: %v", err)
	}

	for i, v := range got.Data {
		if v != tensors[0].Data[i] {
			t.Fatalf("utt2[%d] = %g, want %g", i, v, tensors[0].Data[i])
		}
	}
}

func TestWriteAndOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feats.safetensors")
	tensors := []Tensor{{Name: "a", Shape: []int64{2}, Data: []float32{1, 2}}}

	if err := WriteFile(path, tensors); err != nil {
		t.Fatalf("write: %v", err)
	}

	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if !store.Has("a") {
		t.Fatal("tensor a missing after reload")
	}

	all, err := store.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}

	if len(all) != 1 || all["a"].Data[1] != 2 {
		t.Fatalf("read all = %v", all)
	}
}

func TestEncodeValidation(t *testing.T) {
	if _, err := EncodeTensors(nil); err == nil {
		t.Fatal("empty tensor list accepted")
	}

	if _, err := EncodeTensors([]Tensor{{Name: " ", Shape: []int64{1}, Data: []float32{1}}}); err == nil {
		t.Fatal("blank name accepted")
	}

	if _, err := EncodeTensors([]Tensor{{Name: "x", Shape: []int64{3}, Data: []float32{1}}}); err == nil {
		t.Fatal("shape/data mismatch accepted")
	}

	dup := []Tensor{
		{Name: "x", Shape: []int64{1}, Data: []float32{1}},
		{Name: "x", Shape: []int64{1}, Data: []float32{2}},
	}
	if _, err := EncodeTensors(dup); err == nil {
		t.Fatal("duplicate names accepted")
	}
}

func TestOpenStoreRejectsCorrupt(t *testing.T) {
	if _, err := OpenStoreFromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("short payload accepted")
	}

	// Header length pointing past the end of the payload.
	bad := append([]byte{255, 255, 255, 255, 0, 0, 0, 0}, []byte("{}")...)
	if _, err := OpenStoreFromBytes(bad); err == nil {
		t.Fatal("oversized header length accepted")
	}
}

func TestStoreMissingTensorError(t *testing.T) {
	data, err := EncodeTensors([]Tensor{{Name: "present", Shape: []int64{1}, Data: []float32{1}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	store, err := OpenStoreFromBytes(data)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	_, err = store.Tensor("absent")
	if err == nil || !strings.Contains(err.Error(), "present") {
		t.Fatalf("missing tensor error = %v, want mention of available names", err)
	}
}
