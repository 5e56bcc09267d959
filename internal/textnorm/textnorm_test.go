package textnorm

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Hello There", "hello there"},
		{"strips terminal punctuation", "Hello there.", "hello there"},
		{"strips clause punctuation", "well, yes; maybe: \"sure\"", "well yes maybe sure"},
		{"collapses whitespace", "hello \t there\n  friend", "hello there friend"},
		{"strips ellipsis", "wait… what", "wait what"},
		{"empty", "", ""},
		{"only punctuation", "?!...", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeIsAFixedPoint(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		"Hello there.",
		"  MIXED   case,  extra\tspace!  ",
		"Bonjour… ça va?",
	} {
		once := Normalize(s)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q != %q", s, once, twice)
		}
	}
}

func TestHashEquatesNormalizedVariants(t *testing.T) {
	t.Parallel()

	if Hash("Hello there.") != Hash("hello  THERE") {
		t.Error("normalized variants hash differently")
	}
	if Hash("hello there") == Hash("hello then") {
		t.Error("distinct texts share a hash")
	}
}

func TestCacheKeyShape(t *testing.T) {
	t.Parallel()

	k1 := CacheKey("en", "es", "Hello there.")
	k2 := CacheKey("en", "es", "hello  there")
	if k1 != k2 {
		t.Errorf("normalized variants produce different keys: %q vs %q", k1, k2)
	}
	if k1 == CacheKey("en", "fr", "Hello there.") {
		t.Error("different target languages share a key")
	}
	if k1 == CacheKey("de", "es", "Hello there.") {
		t.Error("different source languages share a key")
	}
}

func TestBucketIsStableAndInRange(t *testing.T) {
	t.Parallel()

	ids := []string{"golden-eagle-427", "silver-fox-12", "crimson-owl-900"}
	for _, id := range ids {
		b := Bucket(id)
		if b < 0 || b >= 100 {
			t.Fatalf("Bucket(%q) = %d, want [0,100)", id, b)
		}
		if Bucket(id) != b {
			t.Fatalf("Bucket(%q) is not stable", id)
		}
	}
}

func TestEndsAtSentenceBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"This is done.", true},
		{"Really?!", true},
		{"Wait", false},
		{"Trailing space. ", true},
		{"mid-sentence,", false},
		{"こんにちは。", true},
		{"本当に？", true},
		{"続く…", true},
		{"", false},
		{"   ", false},
	}
	for _, tc := range tests {
		if got := EndsAtSentenceBoundary(tc.in); got != tc.want {
			t.Errorf("EndsAtSentenceBoundary(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
