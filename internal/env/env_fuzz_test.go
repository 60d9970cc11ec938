package env

import (
	"strings"
	"testing"
)

// FuzzMerge feeds random global/extra pairs through Merge and checks the output
// stays a well-formed KEY=VALUE list.
func FuzzMerge(f *testing.F) {
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("PYTHONPATH=/opt/dspy"), []byte("PYTHONPATH=${PYTHONPATH}:/srv"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}"))

	f.Fuzz(func(t *testing.T, globalB []byte, extraB []byte) {
		global := lines(string(globalB), 20)
		extra := lines(string(extraB), 20)

		e := New().WithoutOS()
		for _, kv := range global {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				e = e.WithSet(kv[:i], kv[i+1:])
			}
		}
		out := e.Merge(extra)
		for _, kv := range out {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
		}
		for i := 1; i < len(out); i++ {
			if key(out[i-1]) >= key(out[i]) {
				t.Fatalf("output not sorted/unique: %q before %q", out[i-1], out[i])
			}
		}
	})
}

func key(kv string) string { return kv[:strings.IndexByte(kv, '=')] }

func lines(s string, max int) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
		if len(out) == max {
			break
		}
	}
	return out
}
