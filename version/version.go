// Package version provides the build version of the registry, stamped at
// link time via -ldflags.
package version

// Package is the overall, canonical project import path under which the
// package was built.
var Package = "github.com/stowage/stowage"

// Version indicates which version of the binary is running. This is set to
// the latest release tag by hand, always suffixed by "+unknown". During
// build, it will be replaced by the actual version.
var Version = "v0.1.0+unknown"
