package canonical

import "testing"

func TestJSONSortsMapKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	b := map[string]any{"c": 3, "a": 2, "b": 1}

	ja, err := JSON(a)
	if err != nil {
		t.Fatalf("JSON(a): %v", err)
	}
	jb, err := JSON(b)
	if err != nil {
		t.Fatalf("JSON(b): %v", err)
	}
	if string(ja) != string(jb) {
		t.Fatalf("expected key-order-independent encodings to match: %s vs %s", ja, jb)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(ja) != want {
		t.Fatalf("JSON(a) = %s, want %s", ja, want)
	}
}

func TestJSONNestedAndArrays(t *testing.T) {
	v := map[string]any{
		"list": []any{map[string]any{"z": 1, "y": 2}, "x"},
		"n":    3.5,
	}
	got, err := JSON(v)
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	want := `{"list":[{"y":2,"z":1},"x"],"n":3.5}`
	if string(got) != want {
		t.Fatalf("JSON() = %s, want %s", got, want)
	}
}

func TestJSONDeterministicAcrossCalls(t *testing.T) {
	v := map[string]any{"k1": "v1", "k2": []any{1, 2, 3}}
	first, _ := JSON(v)
	for i := 0; i < 10; i++ {
		again, err := JSON(v)
		if err != nil {
			t.Fatalf("JSON: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("encoding not stable across repeated calls")
		}
	}
}
