package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

func TestAddressJID(t *testing.T) {
	jid, err := addressJID("+54 9 11 5555-0001")
	require.NoError(t, err)
	assert.Equal(t, "5491155550001", jid.User)
	assert.Equal(t, types.DefaultUserServer, jid.Server)

	grp, err := addressJID("120363000000000000@g.us")
	require.NoError(t, err)
	assert.Equal(t, types.GroupServer, grp.Server)

	_, err = addressJID("nobody")
	assert.Error(t, err)
}

func TestMessageTextAndQuote(t *testing.T) {
	plain := &waE2E.Message{Conversation: proto.String("  hola ")}
	assert.Equal(t, "hola", messageText(plain))
	assert.Empty(t, quotedID(plain))

	reply := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String("got it"),
		ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String("3EB0ABC")},
	}}
	assert.Equal(t, "got it", messageText(reply))
	assert.Equal(t, "3EB0ABC", quotedID(reply))

	assert.Empty(t, messageText(nil))
	assert.Empty(t, quotedID(nil))
}
