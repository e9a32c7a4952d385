// Package repository coordinates the prototype snapshot: it fetches through an
// injected FetchFunc, replaces the store on success, and serves every read
// from the store without touching the network.
//
// SetupSnapshot and RefreshSnapshot are coalesced with singleflight: while a
// fetch is outstanding, any further call joins it and receives the identical
// (Stats, *Failure) outcome. The parameters of the call that started the
// flight are the ones fetched. Once a flight settles the next call starts a
// new one.
//
// A failed flight never touches the store, and a failed fetch never changes
// LastFetchParams. Every error returned from the snapshot operations is a
// *Failure tagged with its origin: fetcher, store or unknown.
package repository
