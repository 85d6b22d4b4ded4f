package index

// HopDistance returns the BFS distance from `from` to `to` over the
// dependency graph (following outbound edges), or -1 if unreachable
// within maxHops. It satisfies relevance.DependencyGraph.
func (idx *Index) HopDistance(from, to string, maxHops int) int {
	if from == to {
		return 0
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if maxHops <= 0 {
		maxHops = 3
	}

	visited := map[string]struct{}{from: {}}
	frontier := []string{from}
	for depth := 1; depth <= maxHops; depth++ {
		var next []string
		for _, cur := range frontier {
			node, ok := idx.files[cur]
			if !ok {
				continue
			}
			for n := range node.OutboundEdges {
				if n == to {
					return depth
				}
				if _, seen := visited[n]; !seen {
					visited[n] = struct{}{}
					next = append(next, n)
				}
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return -1
}
