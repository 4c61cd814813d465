// Package archive decodes build archives and answers questions about them.
//
// A build archive is a zip (or gzip-compressed tar) produced for exactly one
// application. Its root carries a small JSON manifest binding the build to an
// app id and a verify key. Verifier checks that binding before an archive is
// accepted; BuildTree turns the flat entry listing into an explorer forest;
// Handle.Open inflates a single entry on demand and classifies it by
// extension.
//
// A Handle is immutable once decoded and may be read from many goroutines.
// Every failure is an *Error whose Kind is stable and safe to show to the
// developer who uploaded the build.
package archive
