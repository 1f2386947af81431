package protocol

// Deduplicate collapses nodes with equal DedupKey into one, keeping the
// first occurrence and the input order. Idempotent.
func Deduplicate(nodes []Node) []Node {
	seen := make(map[string]struct{}, len(nodes))
	unique := make([]Node, 0, len(nodes))

	for _, n := range nodes {
		if _, exists := seen[n.DedupKey]; exists {
			continue
		}
		seen[n.DedupKey] = struct{}{}
		unique = append(unique, n)
	}

	return unique
}
