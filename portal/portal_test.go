package portal

import "testing"

func TestParseInt32Pair(t *testing.T) {
	if got, ok := parseInt32Pair([]any{int32(1920), int32(1080)}); !ok || got != [2]int32{1920, 1080} {
		t.Fatalf("got %v ok=%v", got, ok)
	}

	bad := []any{
		nil,
		"1920x1080",
		[]any{int32(1)},
		[]any{"a", "b"},
	}
	for _, in := range bad {
		if _, ok := parseInt32Pair(in); ok {
			t.Errorf("parseInt32Pair(%v) accepted malformed input", in)
		}
	}
}
