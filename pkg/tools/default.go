package tools

// DefaultRegistry returns a Registry populated with the seven reference
// tools spec.md names (read, write, edit, bash, grep, find, ls), the set
// cmd/forge wires into every new session by default.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&ReadFileTool{})
	r.Register(&WriteFileTool{})
	r.Register(&EditTool{})
	r.Register(&BashTool{})
	r.Register(&GrepTool{})
	r.Register(&FindTool{})
	r.Register(&ListFilesTool{})
	return r
}
