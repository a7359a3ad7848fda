package backend

// SelectForDepth implements the stable depth-to-backend tie-break: given a
// list of per-depth backend specs of length k, depth d>=1 uses entry d-1
// when it exists, otherwise falls back to defaultBackend. Depth 0 always
// uses defaultBackend directly (the root call never recurses into the
// per-depth list).
func SelectForDepth(depth int, defaultBackend Backend, others []Backend) Backend {
	if depth >= 1 {
		idx := depth - 1
		if idx < len(others) && others[idx] != nil {
			return others[idx]
		}
	}
	return defaultBackend
}
