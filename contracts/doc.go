// Package contracts defines the wire-level types exchanged between conduit senders
// and receivers.
//
// Three structures travel over the transport, all encoded as UTF-8 JSON:
//   - Message: one attempted delivery of a payload to the owner of a topic
//   - Response: the terminal outcome of processing a Message
//   - TimeoutExtension: a non-terminal "still working" signal sent on the same
//     reply subject as the eventual Response
//
// A reply-subject listener tells the last two apart with DecodeReply, which
// switches on the mandatory "type" discriminant rather than guessing from shape.
//
// The package also owns the subject naming scheme shared by both ends:
//
//	conduit.<conduitId>.receiver.<receiverId>.>        receiver inbox
//	conduit.<conduitId>.receiver.<receiverId>.<topic>  request subject
//	conduit.<conduitId>.topic.responses.<topic>        topic broadcast
//	_INBOX.<uuid>                                      per-attempt reply subject
package contracts
