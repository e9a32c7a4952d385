// Package upstream is the ProtoPedia API v2 client.
//
// Client.ListPrototypes issues GET {base_url}/prototype/list with the query
// built from ListParams and decodes the raw Record envelope. Client.Fetch adds
// normalization and is the FetchFunc the repository coalesces.
//
// Every error returned by the client is a *FetchFailure classified by Kind
// (http, network, timeout, abort, decode) and Code (CLIENT_NOT_FOUND,
// SERVER_UNAVAILABLE, TIMEOUT, ...). The HTTP transport carries bearer auth
// from UpstreamConfig.TokenEnv and is wrapped by otelhttp so each request
// becomes a client span.
//
// Normalize turns the upstream record shape (pipe-delimited lists, JST
// timestamps, absent optionals) into a types.Prototype.
package upstream
