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
	"math/rand"
	"testing"

	"comfyfleet/pkg/wire"
)

func sampleWorkflow(seed interface{}) wire.Workflow {
	return wire.Workflow{
		"1": wire.Node{ClassType: "CheckpointLoaderSimple", Inputs: map[string]interface{}{"ckpt_name": "a.safetensors"}},
		"2": wire.Node{ClassType: "KSampler", Inputs: map[string]interface{}{"seed": seed, "steps": float64(20)}},
	}
}

func TestFingerprintStableAcrossInputValues(t *testing.T) {
	a := Fingerprint(sampleWorkflow(float64(42)))
	b := Fingerprint(sampleWorkflow(float64(-1)))
	if a != b {
		t.Fatalf("expected fingerprint to be value-insensitive, got %s != %s", a, b)
	}
}

func TestFingerprintChangesOnStructuralEdit(t *testing.T) {
	a := Fingerprint(sampleWorkflow(float64(1)))
	wf := sampleWorkflow(float64(1))
	wf["3"] = wire.Node{ClassType: "SaveImage", Inputs: map[string]interface{}{"images": "2"}}
	b := Fingerprint(wf)
	if a == b {
		t.Fatalf("expected fingerprint to change when a node is added")
	}
}

func TestFingerprintChangesOnClassTypeEdit(t *testing.T) {
	a := Fingerprint(sampleWorkflow(float64(1)))
	wf := sampleWorkflow(float64(1))
	node := wf["2"]
	node.ClassType = "KSamplerAdvanced"
	wf["2"] = node
	b := Fingerprint(wf)
	if a == b {
		t.Fatalf("expected fingerprint to change when a node's class_type changes")
	}
}

func TestFingerprintDeterministicRegardlessOfMapOrder(t *testing.T) {
	wf1 := sampleWorkflow(float64(7))
	wf2 := wire.Workflow{}
	for _, id := range []string{"2", "1"} {
		wf2[id] = wf1[id]
	}
	if Fingerprint(wf1) != Fingerprint(wf2) {
		t.Fatalf("expected fingerprint to be independent of map iteration order")
	}
}

func TestRewriteSeedsReplacesOnlySentinel(t *testing.T) {
	wf := sampleWorkflow(float64(-1))
	wf["3"] = wire.Node{ClassType: "KSampler", Inputs: map[string]interface{}{"seed": float64(12345)}}

	rng := rand.New(rand.NewSource(1))
	assigned := RewriteSeeds(wf, rng)

	if _, ok := assigned["2"]; !ok {
		t.Fatalf("expected node 2's sentinel seed to be rewritten")
	}
	if _, ok := assigned["3"]; ok {
		t.Fatalf("did not expect node 3's concrete seed to be touched")
	}
	if wf["3"].Inputs["seed"] != float64(12345) {
		t.Fatalf("node 3's seed must be unchanged")
	}
	newSeed := wf["2"].Inputs["seed"]
	if newSeed == float64(-1) {
		t.Fatalf("expected seed to be rewritten away from sentinel")
	}
}

func TestRewriteSeedsIgnoresNodesWithoutSeedInput(t *testing.T) {
	wf := wire.Workflow{"1": wire.Node{ClassType: "SaveImage", Inputs: map[string]interface{}{}}}
	rng := rand.New(rand.NewSource(1))
	assigned := RewriteSeeds(wf, rng)
	if len(assigned) != 0 {
		t.Fatalf("expected no seeds assigned, got %v", assigned)
	}
}

func TestIsSentinelHandlesJSONNumericTypes(t *testing.T) {
	cases := []struct {
		v    interface{}
		want bool
	}{
		{float64(-1), true},
		{int(-1), true},
		{int64(-1), true},
		{float64(-2), false},
		{"−1", false},
		{nil, false},
	}
	for _, c := range cases {
		if got := isSentinel(c.v); got != c.want {
			t.Fatalf("isSentinel(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}
