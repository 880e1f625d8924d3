package proto

const (
	MdnsTag = "goopchat-mdns"

	// Bus topic carrying replicated group ledger records
	LedgerTopic = "goopchat.ledger.v1"

	// Bus topic prefix for group chat rooms; the group id is appended
	GroupTopicPrefix = "goopchat.group."

	// libp2p stream protocol ID used to fetch blobs (file attachments) from a peer
	BlobProtoID = "/goopchat/blob/1.0.0"

	// libp2p stream protocol ID answering with a diagnostic snapshot
	DiagProtoID = "/goopchat/diag/1.0.0"

	// Label of the WebRTC data channel opened between two peers
	ChatChannelLabel = "chat"
)

// GroupTopic returns the bus topic for a group's chat room.
func GroupTopic(groupID string) string { return GroupTopicPrefix + groupID }
