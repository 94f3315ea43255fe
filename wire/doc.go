// Package wire implements the kernel messaging protocol (version 5.x) as it
// travels over ZeroMQ.
//
// # Frames
//
// A message is a multipart ZeroMQ message laid out as:
//
//	[identities...] <IDS|MSG> digest header parent_header metadata content [buffers...]
//
// header, parent_header, metadata and content are JSON objects. The digest
// is the hex-encoded HMAC of those four frames, keyed with the connection
// key. Buffers are passed through verbatim and are not signed.
//
// # Usage
//
//	codec, err := wire.NewCodec("hmac-sha256", key)
//	if err != nil {
//	    return err
//	}
//
//	msg, err := wire.New(wire.MsgExecuteRequest, wire.ExecuteRequest{Code: "2+2"})
//	frames, err := codec.Frames(msg)
//
//	// on the receiving side
//	msg, err = codec.DecodeFrames(frames)
//	if errors.Is(err, wire.ErrSignatureMismatch) {
//	    // drop it
//	}
package wire
