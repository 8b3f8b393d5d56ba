// Package relay delivers envelopes out of the MTA: to the MX hosts of each
// recipient domain, to a fixed smarthost, or to a local maildrop agent.
//
// Every relay reports failures as *domain.DeliveryError so that queues can
// tell permanent rejections from conditions worth retrying.
package relay
