package pool

import (
	"encoding/json"
	"testing"
)

func sampleWorkflow() map[string]interface{} {
	return map[string]interface{}{
		"3": map[string]interface{}{
			"class_type": "KSampler",
			"inputs": map[string]interface{}{
				"seed":  float64(42),
				"steps": float64(20),
				"cfg":   7.5,
				"model": []interface{}{"4", float64(0)},
			},
		},
		"4": map[string]interface{}{
			"class_type": "CheckpointLoaderSimple",
			"inputs": map[string]interface{}{
				"ckpt_name": "sdxl_base.safetensors",
			},
		},
	}
}

func TestFingerprint(t *testing.T) {
	t.Run("is 64 hex characters", func(t *testing.T) {
		fp := Fingerprint(sampleWorkflow())
		if len(fp) != 64 {
			t.Fatalf("len = %d, want 64", len(fp))
		}
		for _, r := range fp {
			if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
				t.Fatalf("non-hex rune %q in %s", r, fp)
			}
		}
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		a := Fingerprint(sampleWorkflow())
		b := Fingerprint(sampleWorkflow())
		if a != b {
			t.Errorf("Fingerprint() differs across calls: %s vs %s", a, b)
		}
	})

	t.Run("clone hashes equal", func(t *testing.T) {
		w := sampleWorkflow()
		if Fingerprint(w) != Fingerprint(CloneWorkflow(w)) {
			t.Error("clone produced a different fingerprint")
		}
	})

	t.Run("independent of JSON key order", func(t *testing.T) {
		// Unmarshalling randomizes Go map iteration; the same document in
		// a different textual key order must hash identically.
		doc1 := `{"a":{"class_type":"X","inputs":{"p":1,"q":[1,2,3]}},"b":{"class_type":"Y","inputs":{}}}`
		doc2 := `{"b":{"inputs":{},"class_type":"Y"},"a":{"inputs":{"q":[1,2,3],"p":1},"class_type":"X"}}`

		var w1, w2 map[string]interface{}
		if err := json.Unmarshal([]byte(doc1), &w1); err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal([]byte(doc2), &w2); err != nil {
			t.Fatal(err)
		}
		if Fingerprint(w1) != Fingerprint(w2) {
			t.Error("key order changed the fingerprint")
		}
	})

	t.Run("array order matters", func(t *testing.T) {
		w1 := map[string]interface{}{
			"a": map[string]interface{}{"inputs": []interface{}{"x", "y"}},
		}
		w2 := map[string]interface{}{
			"a": map[string]interface{}{"inputs": []interface{}{"y", "x"}},
		}
		if Fingerprint(w1) == Fingerprint(w2) {
			t.Error("reordered array hashed equal")
		}
	})

	t.Run("leaf change changes the fingerprint", func(t *testing.T) {
		base := Fingerprint(sampleWorkflow())
		changed := sampleWorkflow()
		changed["3"].(map[string]interface{})["inputs"].(map[string]interface{})["seed"] = float64(43)
		if Fingerprint(changed) == base {
			t.Error("seed change did not change the fingerprint")
		}
	})

	t.Run("integral floats hash like integers", func(t *testing.T) {
		w1 := map[string]interface{}{"a": map[string]interface{}{"v": float64(2)}}
		w2 := map[string]interface{}{"a": map[string]interface{}{"v": 2}}
		if Fingerprint(w1) != Fingerprint(w2) {
			t.Error("2.0 and 2 hashed differently")
		}
	})
}

func TestCloneWorkflow(t *testing.T) {
	w := sampleWorkflow()
	clone := CloneWorkflow(w)

	clone["3"].(map[string]interface{})["inputs"].(map[string]interface{})["seed"] = float64(99)
	inputs := clone["3"].(map[string]interface{})["inputs"].(map[string]interface{})
	inputs["model"].([]interface{})[0] = "changed"

	orig := w["3"].(map[string]interface{})["inputs"].(map[string]interface{})
	if orig["seed"] != float64(42) {
		t.Error("mutating the clone changed the original scalar")
	}
	if orig["model"].([]interface{})[0] != "4" {
		t.Error("mutating the clone changed the original slice")
	}

	if CloneWorkflow(nil) != nil {
		t.Error("CloneWorkflow(nil) != nil")
	}
}
