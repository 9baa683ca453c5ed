// Package platform abstracts the chat surfaces a relayed answer is rendered
// on. A surface owns one visible unit per exchange (an interactive card, an
// editable message) addressed by the target id it hands back on creation.
package platform

import "context"

// Field names addressable on a stream target.
const (
	// FieldContent is the growing answer body.
	FieldContent = "content"
	// FieldStatus is the transient activity line below the body. An empty
	// value clears it.
	FieldStatus = "status"
)

// Surface is implemented per chat platform.
type Surface interface {
	// CreateStreamTarget posts the initial placeholder into the conversation
	// and returns the id used to address later updates.
	CreateStreamTarget(ctx context.Context, conversationID string) (targetID string, err error)

	// PushUpdate rewrites the named fields on the target. Omitted fields keep
	// their current value.
	PushUpdate(ctx context.Context, targetID string, fields map[string]string) error

	// CommitFinal writes the finished body and releases the target. After
	// commit the target id is dead.
	CommitFinal(ctx context.Context, targetID, content string) error
}
