// Package toolserver exposes credential lifecycle operations as tools over
// the Model Context Protocol, on either a local HTTP listener or stdio.
package toolserver
