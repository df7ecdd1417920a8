package app

import "deepchat/internal/model"

// Entry is one transcript slot: either a finalized message or the single
// pending assistant reply that is still streaming. Pending entries are never
// persisted and never sent back upstream.
type Entry struct {
	Message *model.Message
	Partial string
}

func (e Entry) Pending() bool {
	return e.Message == nil
}

func (e Entry) Role() string {
	if e.Message == nil {
		return model.RoleAssistant
	}
	return e.Message.Role
}

func (e Entry) Content() string {
	if e.Message == nil {
		return e.Partial
	}
	return e.Message.Content
}
