// Package template renders request bodies from job templates.
//
// Placeholders look like {{name}} and resolve through a fixed table of named
// rules. Each rule is a pure function of the iteration, the render time and a
// caller-supplied random source, so a fixed seed reproduces the output exactly.
// Unknown placeholders are copied through verbatim.
package template
