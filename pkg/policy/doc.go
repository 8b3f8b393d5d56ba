// Package policy builds the ordered chain of message-transform policies a
// queue applies before storing a message: header injection, recipient
// splitting, address rewriting, spam tagging, and DKIM signing.
//
// The chain runs in the order policies are declared. Signing must come after
// every policy that touches the message content; BuildChain rejects a chain
// that declares a content-mutating policy after add_dkim_header instead of
// silently reordering it.
package policy
