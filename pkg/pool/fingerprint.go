// comfyfleet schedules image-generation workflows across a fleet of ComfyUI servers.
// Copyright (C) 2025 comfyfleet contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sort"
	"strings"

	"comfyfleet/pkg/wire"
)

// seedSentinel is the value that triggers seed rewrite.
const seedSentinel = -1

// Fingerprint computes a deterministic, value-insensitive structural hash of
// a workflow: a canonical traversal of node ids in sorted order, each
// emitting its class_type and the sorted key shape of its inputs. Two
// workflows differing only in input values share a fingerprint.
func Fingerprint(wf wire.Workflow) string {
	ids := make([]string, 0, len(wf))
	for id := range wf {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		node := wf[id]
		b.WriteString(id)
		b.WriteByte('|')
		b.WriteString(node.ClassType)
		b.WriteByte('|')
		keys := make([]string, 0, len(node.Inputs))
		for k := range node.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(strings.Join(keys, ","))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// RewriteSeeds scans wf for nodes whose inputs.seed equals the sentinel -1
// and substitutes a random integer in [0, 2^31-1), returning the map of
// node id -> assigned seed for reproducibility reporting.
func RewriteSeeds(wf wire.Workflow, rng *rand.Rand) map[string]int64 {
	assigned := make(map[string]int64)
	for id, node := range wf {
		seedVal, ok := node.Inputs["seed"]
		if !ok {
			continue
		}
		if !isSentinel(seedVal) {
			continue
		}
		newSeed := rng.Int63n(1<<31 - 1)
		node.Inputs["seed"] = newSeed
		wf[id] = node
		assigned[id] = newSeed
	}
	return assigned
}

func isSentinel(v interface{}) bool {
	switch n := v.(type) {
	case float64:
		return n == seedSentinel
	case int:
		return n == seedSentinel
	case int64:
		return n == seedSentinel
	default:
		return false
	}
}
