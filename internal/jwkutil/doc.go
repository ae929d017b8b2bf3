// Package jwkutil provides utilities for working with JSON Web Keys and JSON
// Web Key Sets as defined in [RFC 7517].
//
// [RFC 7517]: https://tools.ietf.org/html/rfc7517
package jwkutil
