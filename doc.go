// Package fuzztarget delivers fuzzed payloads to networked systems
// under test and collects their feedback.
//
// A NetworkTarget routes each payload to one of its configured logical
// interfaces by matching the payload's semantic tags, reaches the peer
// as a client or by waiting for it in server mode, and optionally keeps
// the connection across sends. Auxiliary feedback channels can be wired
// to the same target so log streams or side channels are gathered
// alongside the primary reply.
//
// Basic usage:
//
//	options := fuzztarget.NewOptions()
//	options.Host, options.Port = "192.0.2.10", 7777
//	tgt, err := fuzztarget.New(options)
//	if err != nil {
//		log.Fatal(err)
//	}
//	tgt.Start()
//	defer tgt.Stop()
//
//	tgt.Send(fuzztarget.NewData(payload))
//	for !tgt.IsReadyForNext() {
//		time.Sleep(50 * time.Millisecond)
//	}
//	for _, e := range tgt.Feedback().Drain() {
//		fmt.Printf("%s: %q\n", e.Ref, e.Fragments)
//	}
//
// Sends return within the sending-delay bound; feedback collection runs
// asynchronously and completion is observed through IsReadyForNext. A
// send that cannot make progress at all surfaces ErrTargetStuck, the
// only fatal error of the delivery path.
package fuzztarget
