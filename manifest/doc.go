// Package manifest and its subpackages hold the supported manifest formats.
// Each subpackage registers its media type with the root package's manifest
// registry from an init function, so importing a subpackage for side effects
// is enough to enable the format.
package manifest
