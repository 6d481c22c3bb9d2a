// Package bridge is the boundary between callers that only hold opaque
// handles and the account and store engines behind them. Every operation
// takes and returns plain text (decimal handles, JSON documents) and every
// failure comes back as an *Error with a Kind.
package bridge
