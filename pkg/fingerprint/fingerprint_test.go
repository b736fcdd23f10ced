package fingerprint

import "testing"

func TestOfDeterministic(t *testing.T) {
	a := Of(DefaultTolerance, "CC", map[string]any{"method": "b3lyp", "basis": "dzvp"})
	b := Of(DefaultTolerance, "CC", map[string]any{"basis": "dzvp", "method": "b3lyp"})
	if a != b {
		t.Fatalf("expected map key order to not affect fingerprint, got %s != %s", a, b)
	}
}

func TestOfFloatTolerance(t *testing.T) {
	a := Of(1e-6, 1.0000001)
	b := Of(1e-6, 1.0000002)
	if a != b {
		t.Fatalf("expected values within tolerance to fingerprint identically")
	}

	c := Of(1e-6, 1.01)
	if a == c {
		t.Fatalf("expected values outside tolerance to fingerprint differently")
	}
}

func TestOfOrderIndependentSlice(t *testing.T) {
	a := Of(DefaultTolerance, []any{"t1", "t2", "t3"})
	b := Of(DefaultTolerance, []any{"t3", "t1", "t2"})
	if a != b {
		t.Fatalf("expected slice of targets to fingerprint independent of order")
	}
}

func TestOfDistinguishesKinds(t *testing.T) {
	fragFP := Of(DefaultTolerance, "parent-molecule", "fragmenter-spec")
	qcFP := Of(DefaultTolerance, "fragment-canonical", "qc-method", "qc-basis", "qc-program", "calc-kind")
	if fragFP == qcFP {
		t.Fatalf("different stage fingerprints must not collide")
	}
}
