// Package httpwire decodes and re-encodes HTTP/1.x messages for a relaying
// proxy. Unlike net/http it keeps header order and casing, and it exposes
// bodies with their original framing so that forwarded bytes match what the
// peer sent.
package httpwire
