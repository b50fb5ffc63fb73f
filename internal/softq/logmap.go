package softq

// withPrefix returns a copy of m with prefix prepended to every key.
func withPrefix[V any](m map[string]V, prefix string) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[prefix+k] = v
	}
	return out
}

// union merges maps left to right. Later maps win on key collisions.
func union[V any](ms ...map[string]V) map[string]V {
	out := make(map[string]V)
	for _, m := range ms {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
