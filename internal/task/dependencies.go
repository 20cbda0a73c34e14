package task

// ExtractDependencies returns the object references that must be local before a
// task with these arguments can run. Inlined values contribute nothing; every
// reference contributes exactly one entry. Order is preserved and duplicates
// are kept.
func ExtractDependencies(args []Arg) []ObjectRef {
	deps := make([]ObjectRef, 0, len(args))
	for _, a := range args {
		if a.Ref != nil {
			deps = append(deps, *a.Ref)
		}
	}

	return deps
}
