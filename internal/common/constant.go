package common

// AckHeaderName is the gRPC metadata key a sync initiator uses on Ping to
// confirm the checksum of the reply it applied.
const AckHeaderName = "classbook-ack"
