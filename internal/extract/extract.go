// Package extract provides an ordered chain of fallible extractors with
// early exit on the first hit. It backs both sitekey extraction and
// stable dedupe-key derivation.
package extract

// Func is one extraction step. The second return reports whether the
// step produced a usable value.
type Func[T any] func() (T, bool)

// Chain runs steps in order and returns the first successful result.
func Chain[T any](steps ...Func[T]) (T, bool) {
	for _, step := range steps {
		if step == nil {
			continue
		}
		if v, ok := step(); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}
