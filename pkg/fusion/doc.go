// Package fusion turns an observation snapshot into one cognition request per
// tick.
//
// Channels are ordered by a declared priority list, never by arrival. Stale or
// missing channels are omitted and reported in Request.Omitted; partial data
// never fails a fuse. The Fuser owns a bounded context window of completed
// exchanges which the cognition gateway appends to after a successful call.
package fusion
