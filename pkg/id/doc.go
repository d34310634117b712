// Package id provides sortable 128-bit identifiers for durable records.
//
// IDs embed a millisecond timestamp in their high bytes so lexical order on
// the encoded form matches creation order, which keeps submission listings
// cheap to scan in time order.
package id
