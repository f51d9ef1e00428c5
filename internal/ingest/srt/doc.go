// Package srt carries raw MIDI byte streams over SRT (Secure Reliable
// Transport), in listener mode (Server) for remote senders that publish to
// us and in caller mode (Caller) for pulling from remote SRT listeners.
package srt
