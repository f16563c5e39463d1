package build

// commit is set by the linker, at build time
var commit string

// Version returns the version the running binary was built from
func Version() string {
	return commit
}
