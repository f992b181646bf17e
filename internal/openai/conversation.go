package openai

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
)

// ConversationKey fingerprints a conversation so follow-up requests land
// on the same upstream session. The key hashes every message except the
// newest one together with the client address: two clients with
// identical histories must not share a session, and the newest message
// is excluded so a follow-up hashes to the same key its predecessor
// produced after being answered.
func ConversationKey(messages []ChatMessage, clientAddr string) string {
	h := sha256.New()
	h.Write([]byte(clientAddr))
	h.Write([]byte{0})
	for i := 0; i < len(messages)-1; i++ {
		h.Write([]byte(messages[i].Role))
		h.Write([]byte{0})
		h.Write([]byte(messages[i].Text()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NextConversationKey is the key the follow-up to this request will
// hash to, assuming the client appends the assistant reply and a new
// user message. Used to pre-bind the session for the next turn.
func NextConversationKey(messages []ChatMessage, assistantReply, clientAddr string) string {
	h := sha256.New()
	h.Write([]byte(clientAddr))
	h.Write([]byte{0})
	for i := range messages {
		h.Write([]byte(messages[i].Role))
		h.Write([]byte{0})
		h.Write([]byte(messages[i].Text()))
		h.Write([]byte{0})
	}
	h.Write([]byte("assistant"))
	h.Write([]byte{0})
	h.Write([]byte(assistantReply))
	h.Write([]byte{0})
	return hex.EncodeToString(h.Sum(nil))
}

// ClientAddr strips the port from a RemoteAddr-style host:port string.
func ClientAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
