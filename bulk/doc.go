// Package bulk drives server-side bulk procedures to completion.
//
// A remote bulk procedure may do only part of the requested work per call,
// because the server enforces a per-request budget. Run repeats a round until
// the caller's done predicate holds, one outstanding call at a time. Uploader
// resubmits the unconsumed tail of a batch until every item is stored; Deleter
// reissues a delete query until the server stops reporting a continuation.
//
// Failures abort the loop. Remote errors arrive wrapped in *RoundError,
// malformed progress reports as *ParseError, and an upload that stops making
// progress as *StallError. Use errors.Is and errors.As to classify them.
package bulk
