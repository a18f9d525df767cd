package queue

import "testing"

func TestNormalizeCheckpoint(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips extension", "SDXL_Base.safetensors", "sdxl_base"},
		{"lowercases", "DreamShaper", "dreamshaper"},
		{"ckpt extension", "model.CKPT", "model"},
		{"no extension", "flux-dev", "flux-dev"},
		{"keeps inner dots", "v1.5-pruned.safetensors", "v1.5-pruned"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeCheckpoint(tt.in); got != tt.want {
				t.Errorf("NormalizeCheckpoint(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCheckpointKeyFor(t *testing.T) {
	t.Run("reads ckpt_name", func(t *testing.T) {
		workflow := map[string]interface{}{
			"4": map[string]interface{}{
				"class_type": "CheckpointLoaderSimple",
				"inputs": map[string]interface{}{
					"ckpt_name": "SDXL_Base.safetensors",
				},
			},
		}
		if got := CheckpointKeyFor(workflow); got != "sdxl_base" {
			t.Errorf("CheckpointKeyFor() = %q, want sdxl_base", got)
		}
	})

	t.Run("reads model_name and checkpoint_name variants", func(t *testing.T) {
		workflow := map[string]interface{}{
			"1": map[string]interface{}{
				"class_type": "Loader",
				"inputs":     map[string]interface{}{"model_name": "zeta.ckpt"},
			},
		}
		if got := CheckpointKeyFor(workflow); got != "zeta" {
			t.Errorf("CheckpointKeyFor() = %q, want zeta", got)
		}
	})

	t.Run("multiple checkpoints pick deterministically", func(t *testing.T) {
		workflow := map[string]interface{}{
			"a": map[string]interface{}{
				"class_type": "Loader",
				"inputs":     map[string]interface{}{"ckpt_name": "Zeta.safetensors"},
			},
			"b": map[string]interface{}{
				"class_type": "Loader",
				"inputs":     map[string]interface{}{"ckpt_name": "Alpha.safetensors"},
			},
		}
		// Smallest normalized name wins regardless of node iteration order.
		for i := 0; i < 10; i++ {
			if got := CheckpointKeyFor(workflow); got != "alpha" {
				t.Fatalf("CheckpointKeyFor() = %q, want alpha", got)
			}
		}
	})

	t.Run("no checkpoint falls back to default", func(t *testing.T) {
		workflow := map[string]interface{}{
			"1": map[string]interface{}{
				"class_type": "EmptyLatentImage",
				"inputs":     map[string]interface{}{"width": 512},
			},
		}
		if got := CheckpointKeyFor(workflow); got != DefaultCheckpointKey {
			t.Errorf("CheckpointKeyFor() = %q, want %q", got, DefaultCheckpointKey)
		}
	})

	t.Run("nil workflow falls back to default", func(t *testing.T) {
		if got := CheckpointKeyFor(nil); got != DefaultCheckpointKey {
			t.Errorf("CheckpointKeyFor(nil) = %q, want %q", got, DefaultCheckpointKey)
		}
	})
}
