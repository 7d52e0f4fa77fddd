// Package router maps verb+path pairs onto registered endpoints.
//
// Path templates are compiled into anchored regular expressions at
// registration time. Three segment forms are recognized:
//
//   - ":name" captures exactly one path segment under "name"
//   - "*" captures exactly one path segment; the first is exposed as
//     "*", subsequent ones as "*2", "*3", ...
//   - "**" captures the remainder of the path (slashes included) and is
//     exposed as "**"
//
// Matching scans routes in registration order; the first route whose
// method matches (exactly, or registered under ALL) and whose compiled
// pattern matches the path wins. There is no specificity ranking. A
// trailing slash on the request path is tolerated.
package router
