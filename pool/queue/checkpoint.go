package queue

import (
	"path"
	"sort"
	"strings"
)

// checkpointInputNames are the node input keys scanned for a model
// reference, in no particular order; when several nodes reference
// checkpoints the lexicographically smallest normalized name wins so the
// derivation is deterministic.
var checkpointInputNames = map[string]struct{}{
	"ckpt_name":       {},
	"checkpoint_name": {},
	"model_name":      {},
}

// CheckpointKeyFor derives the sub-queue key for a workflow.
//
// The workflow is a mapping from node ID to node object; each node's
// "inputs" mapping is scanned for the keys ckpt_name, checkpoint_name, and
// model_name. The smallest normalized value found becomes the key;
// workflows without any recognizable checkpoint map to DefaultCheckpointKey.
//
// Normalization lowercases the value and strips a file extension, so
// "SDXL_Base.safetensors" and "sdxl_base.ckpt" share a sub-queue.
func CheckpointKeyFor(workflow map[string]interface{}) string {
	found := []string{}
	for _, raw := range workflow {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		for name := range checkpointInputNames {
			value, ok := inputs[name].(string)
			if !ok || value == "" {
				continue
			}
			found = append(found, NormalizeCheckpoint(value))
		}
	}
	if len(found) == 0 {
		return DefaultCheckpointKey
	}
	sort.Strings(found)
	return found[0]
}

// NormalizeCheckpoint lowercases a checkpoint file name and strips its
// extension. Empty input normalizes to DefaultCheckpointKey.
func NormalizeCheckpoint(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultCheckpointKey
	}
	if ext := path.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}
