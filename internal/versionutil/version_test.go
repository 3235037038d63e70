package versionutil

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":        "dev",
		"  ":      "dev",
		"dev":     "dev",
		"1.4.0":   "v1.4.0",
		"v1.4.0":  "v1.4.0",
		"v2.0-rc": "v2.0-rc",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
